package coordinator

import (
	"context"
	"time"

	types "github.com/yungbote/terrain-backend/internal/domain"
)

// AnchorResult reports the bootstrap outcome for one world version.
type AnchorResult struct {
	WorldVersion string
	Status       types.ChunkStatus
	Err          error
}

// BootstrapAnchors requests chunk (0,0) at the default layer and resolution
// for every active world version and polls until it is ready, has failed,
// or AnchorTimeout passes. A world that is not ready in time is reported,
// not treated as fatal.
func (c *Coordinator) BootstrapAnchors(ctx context.Context) []AnchorResult {
	active := c.worlds.Active()
	out := make([]AnchorResult, 0, len(active))
	for _, wv := range active {
		res := c.anchor(ctx, wv.Version)
		switch {
		case res.Err != nil:
			c.log.Warn("Anchor chunk error", "world_version", wv.Version, "error", res.Err)
		case res.Status != types.ChunkStatusReady:
			c.log.Warn("Anchor chunk not ready", "world_version", wv.Version, "status", res.Status)
		default:
			c.log.Info("Anchor chunk ready", "world_version", wv.Version)
		}
		out = append(out, res)
		if ctx.Err() != nil {
			break
		}
	}
	return out
}

func (c *Coordinator) anchor(ctx context.Context, version string) AnchorResult {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.AnchorTimeout)
	defer cancel()
	ticker := time.NewTicker(c.cfg.AnchorPollInterval)
	defer ticker.Stop()

	req := ChunkRequest{WorldVersion: version}
	for {
		res, err := c.GetOrCreateChunk(ctx, req)
		if err != nil {
			return AnchorResult{WorldVersion: version, Err: err}
		}
		if res.Status != types.ChunkStatusPending {
			return AnchorResult{WorldVersion: version, Status: res.Status}
		}
		select {
		case <-ctx.Done():
			return AnchorResult{WorldVersion: version, Status: res.Status}
		case <-ticker.C:
		}
	}
}
