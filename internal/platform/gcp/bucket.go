package gcp

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	apperr "github.com/yungbote/terrain-backend/internal/pkg/errors"
	"github.com/yungbote/terrain-backend/internal/platform/blob"
	"github.com/yungbote/terrain-backend/internal/platform/logger"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// BucketStore is a blob.Store over one GCS bucket, real or emulated.
type BucketStore struct {
	log           *logger.Logger
	storageClient *storage.Client
	httpClient    *http.Client
	storageMode   blob.ObjectStorageMode
	emulatorHost  string
	bucket        string
}

var _ blob.Store = (*BucketStore)(nil)

func NewBucketStore(ctx context.Context, log *logger.Logger, storageCfg blob.ObjectStorageConfig) (*BucketStore, error) {
	if err := blob.ValidateObjectStorageConfig(storageCfg); err != nil {
		return nil, fmt.Errorf("validate object storage config: %w", err)
	}
	if storageCfg.Mode == blob.ObjectStorageModeLocal {
		return nil, &blob.ObjectStorageConfigError{
			Code: blob.ObjectStorageConfigErrorInvalidMode,
			Mode: string(storageCfg.Mode),
		}
	}
	serviceLog := log.With("service", "BucketStore")

	stClient, err := newStorageClientForMode(ctx, storageCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	serviceLog.Info(
		"Object storage initialized",
		"mode", storageCfg.Mode,
		"mode_source", storageCfg.ModeSource(),
		"emulator_host", storageCfg.EmulatorHost,
		"bucket", storageCfg.Bucket,
	)

	return &BucketStore{
		log:           serviceLog,
		storageClient: stClient,
		httpClient:    &http.Client{Timeout: 2 * time.Minute},
		storageMode:   storageCfg.Mode,
		emulatorHost:  strings.TrimRight(strings.TrimSpace(storageCfg.EmulatorHost), "/"),
		bucket:        storageCfg.Bucket,
	}, nil
}

func newStorageClientForMode(ctx context.Context, storageCfg blob.ObjectStorageConfig) (*storage.Client, error) {
	switch storageCfg.Mode {
	case blob.ObjectStorageModeGCS:
		opts := ClientOptionsFromEnv()
		opts = append(opts, option.WithScopes(storage.ScopeReadWrite))
		return storage.NewClient(ctx, opts...)
	case blob.ObjectStorageModeGCSEmulator:
		endpoint := strings.TrimRight(strings.TrimSpace(storageCfg.EmulatorHost), "/")
		_ = os.Setenv("STORAGE_EMULATOR_HOST", endpoint)
		return storage.NewClient(ctx, option.WithoutAuthentication())
	default:
		return nil, &blob.ObjectStorageConfigError{
			Code: blob.ObjectStorageConfigErrorInvalidMode,
			Mode: string(storageCfg.Mode),
		}
	}
}

func (bs *BucketStore) Close() error {
	return bs.storageClient.Close()
}

func (bs *BucketStore) Put(ctx context.Context, key string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := bs.storageClient.Bucket(bs.bucket).Object(key).NewWriter(ctx)
	w.ContentType = blob.ContentType(key)
	w.CRC32C = crc32.Checksum(data, crc32cTable)
	w.SendCRC32C = true
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return apperr.Transient("gcs write "+key, err)
	}
	if err := w.Close(); err != nil {
		return apperr.Transient("gcs close "+key, err)
	}
	return nil
}

func (bs *BucketStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	if bs.isEmulatorMode() {
		return bs.emulatorGet(ctx, key)
	}
	r, err := bs.storageClient.Bucket(bs.bucket).Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("gcs object %q: %w", key, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, apperr.Transient("gcs open "+key, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, apperr.Transient("gcs read "+key, err)
	}
	return data, nil
}

func (bs *BucketStore) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if bs.isEmulatorMode() {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, bs.emulatorObjectMetaURL(key), nil)
		if err != nil {
			return false, fmt.Errorf("failed creating emulator attrs request: %w", err)
		}
		resp, err := bs.httpClient.Do(req)
		if err != nil {
			return false, apperr.Transient("emulator attrs "+key, err)
		}
		defer resp.Body.Close()
		switch resp.StatusCode {
		case http.StatusOK:
			return true, nil
		case http.StatusNotFound:
			return false, nil
		default:
			return false, apperr.Transient("emulator attrs "+key, fmt.Errorf("status=%d", resp.StatusCode))
		}
	}
	_, err := bs.storageClient.Bucket(bs.bucket).Object(key).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, apperr.Transient("gcs attrs "+key, err)
	}
	return true, nil
}

func (bs *BucketStore) List(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	it := bs.storageClient.Bucket(bs.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	out := []string{}
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, apperr.Transient("gcs list "+prefix, err)
		}
		out = append(out, attrs.Name)
	}
	return out, nil
}

func (bs *BucketStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	err := bs.storageClient.Bucket(bs.bucket).Object(key).Delete(ctx)
	if err == nil || errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return apperr.Transient("gcs delete "+key, err)
}

func (bs *BucketStore) isEmulatorMode() bool {
	return bs != nil && blob.IsEmulatorObjectStorageMode(bs.storageMode) && bs.emulatorHost != ""
}

// The emulator's XML read path is unreliable, so reads go through its JSON
// media endpoint directly.
func (bs *BucketStore) emulatorGet(ctx context.Context, key string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, bs.emulatorObjectMediaURL(key), nil)
	if err != nil {
		return nil, fmt.Errorf("failed creating emulator download request: %w", err)
	}
	resp, err := bs.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Transient("emulator download "+key, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("gcs object %q: %w", key, apperr.ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, apperr.Transient("emulator download "+key,
			fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Transient("emulator read "+key, err)
	}
	return data, nil
}

func (bs *BucketStore) emulatorObjectMediaURL(key string) string {
	return bs.emulatorObjectMetaURL(key) + "?alt=media"
}

func (bs *BucketStore) emulatorObjectMetaURL(key string) string {
	return fmt.Sprintf(
		"%s/storage/v1/b/%s/o/%s",
		bs.emulatorHost,
		url.PathEscape(bs.bucket),
		url.PathEscape(key),
	)
}
