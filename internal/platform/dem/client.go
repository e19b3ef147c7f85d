// Package dem fetches elevation rasters from the OpenTopography global DEM
// API as ESRI ASCII grids.
package dem

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperr "github.com/yungbote/terrain-backend/internal/pkg/errors"
	"github.com/yungbote/terrain-backend/internal/platform/logger"
)

const (
	DefaultBaseURL = "https://portal.opentopography.org/API/globaldem"
	DefaultDEMType = "SRTMGL1"

	maxRasterBytes = 256 << 20
)

// TileRequest asks for the raster covering one tile's bounds.
type TileRequest struct {
	TileKey string
	South   float64
	West    float64
	North   float64
	East    float64
}

// Source fetches raw raster bytes. Errors wrap ErrTransientIO when a retry may
// help and ErrPermanentFetch when it will not.
type Source interface {
	Fetch(ctx context.Context, req TileRequest) ([]byte, error)
}

type Config struct {
	BaseURL string
	APIKey  string
	DEMType string
	Timeout time.Duration
}

type Client struct {
	log        *logger.Logger
	httpClient *http.Client
	baseURL    string
	apiKey     string
	demType    string
}

var _ Source = (*Client)(nil)

func NewClient(log *logger.Logger, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, apperr.Configuration("DEM provider API key is required")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	if u, err := url.Parse(base); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, apperr.Configuration("invalid DEM provider URL %q", cfg.BaseURL)
	}
	demType := strings.TrimSpace(cfg.DEMType)
	if demType == "" {
		demType = DefaultDEMType
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		log:        log.With("client", "DEMProvider"),
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    base,
		apiKey:     cfg.APIKey,
		demType:    demType,
	}, nil
}

// HTTPError carries a non-2xx provider response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("dem provider http %d: %s", e.StatusCode, e.Body)
}

func (c *Client) requestURL(req TileRequest) string {
	q := url.Values{}
	q.Set("demtype", c.demType)
	q.Set("south", formatCoord(req.South))
	q.Set("north", formatCoord(req.North))
	q.Set("west", formatCoord(req.West))
	q.Set("east", formatCoord(req.East))
	q.Set("outputFormat", "AAIGrid")
	q.Set("API_Key", c.apiKey)
	return c.baseURL + "?" + q.Encode()
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func (c *Client) Fetch(ctx context.Context, req TileRequest) ([]byte, error) {
	op := "dem fetch " + req.TileKey
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.requestURL(req), nil)
	if err != nil {
		return nil, apperr.Permanent(op, err)
	}
	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxRasterBytes+1))
	if err != nil {
		return nil, classifyTransportError(op, err)
	}
	if err := classifyStatus(op, resp.StatusCode, raw); err != nil {
		c.log.Warn("DEM provider rejected request",
			"tile_key", req.TileKey,
			"status", resp.StatusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return nil, err
	}
	if len(raw) > maxRasterBytes {
		return nil, apperr.Permanent(op, fmt.Errorf("raster exceeds %d bytes", maxRasterBytes))
	}
	if !looksLikeAAIGrid(raw) {
		return nil, apperr.Permanent(op, fmt.Errorf("unexpected response body: %s", snippet(raw)))
	}
	c.log.Debug("DEM tile fetched",
		"tile_key", req.TileKey,
		"bytes", len(raw),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return raw, nil
}

// classifyStatus maps provider statuses onto the retry taxonomy: 5xx and 429
// are transient, other 4xx and 204 mean the tile will never be served.
func classifyStatus(op string, status int, body []byte) error {
	switch {
	case status == http.StatusNoContent:
		return apperr.Permanent(op, &HTTPError{StatusCode: status, Body: "no data"})
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests, status >= 500:
		return apperr.Transient(op, &HTTPError{StatusCode: status, Body: snippet(body)})
	default:
		return apperr.Permanent(op, &HTTPError{StatusCode: status, Body: snippet(body)})
	}
}

func classifyTransportError(op string, err error) error {
	// url.Error embeds the request URL, which carries the API key.
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return apperr.Transient(op, err)
}

func looksLikeAAIGrid(raw []byte) bool {
	head := bytes.ToLower(bytes.TrimSpace(raw[:min(len(raw), 64)]))
	return bytes.HasPrefix(head, []byte("ncols"))
}

func snippet(raw []byte) string {
	s := strings.TrimSpace(string(raw[:min(len(raw), 256)]))
	return strings.Join(strings.Fields(s), " ")
}
