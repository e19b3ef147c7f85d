package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/yungbote/terrain-backend/internal/observability"
	"github.com/yungbote/terrain-backend/internal/platform/blob"
	"github.com/yungbote/terrain-backend/internal/platform/gcp"
	"github.com/yungbote/terrain-backend/internal/platform/localblob"
	"github.com/yungbote/terrain-backend/internal/platform/logger"
)

// ClosableStore is a blob store that owns a client or database handle.
type ClosableStore interface {
	blob.Store
	Close() error
}

var (
	newBucketStore = func(ctx context.Context, log *logger.Logger, cfg blob.ObjectStorageConfig) (ClosableStore, error) {
		s, err := gcp.NewBucketStore(ctx, log, cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	openLocalStore = func(path string, log *logger.Logger) (ClosableStore, error) {
		s, err := localblob.Open(path, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
)

type StorageProviderBootstrapErrorCode string

const (
	StorageProviderBootstrapErrorInvalidMode         StorageProviderBootstrapErrorCode = "invalid_mode"
	StorageProviderBootstrapErrorMissingBucket       StorageProviderBootstrapErrorCode = "missing_bucket"
	StorageProviderBootstrapErrorMissingEmulatorHost StorageProviderBootstrapErrorCode = "missing_emulator_host"
	StorageProviderBootstrapErrorInvalidEmulatorHost StorageProviderBootstrapErrorCode = "invalid_emulator_host"
	StorageProviderBootstrapErrorConnectFailed       StorageProviderBootstrapErrorCode = "connect_failed"
)

type StorageProviderBootstrapError struct {
	Code         StorageProviderBootstrapErrorCode
	Mode         string
	EmulatorHost string
	Cause        error
}

func (e *StorageProviderBootstrapError) Error() string {
	if e == nil {
		return "object storage bootstrap failed"
	}
	return fmt.Sprintf(
		"object storage bootstrap failed (code=%s mode=%q emulator_host=%q): %v",
		e.Code,
		e.Mode,
		e.EmulatorHost,
		e.Cause,
	)
}

func (e *StorageProviderBootstrapError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// resolveBlobStore selects and opens the object store named by cfg.
func resolveBlobStore(ctx context.Context, log *logger.Logger, metrics *observability.Metrics, cfg Config) (ClosableStore, error) {
	storageCfg, err := cfg.ObjectStorage()
	if err != nil {
		classified := classifyStorageProviderBootstrapError(storageCfg, err)
		code := storageProviderBootstrapErrorCode(classified)
		metrics.ObserveStorageBootstrap(string(storageCfg.Mode), "error", string(code))
		log.Error("Object storage provider selection failed",
			"mode", cfg.StorageMode,
			"emulator_host", storageCfg.EmulatorHost,
			"error_code", code,
			"error", classified,
		)
		return nil, classified
	}

	log.Info("Selecting object storage provider",
		"mode", storageCfg.Mode,
		"mode_source", storageCfg.ModeSource(),
		"compatibility_fallback", storageCfg.CompatibilityFallback,
		"emulator_host", storageCfg.EmulatorHost,
		"bucket", storageCfg.Bucket,
	)

	var store ClosableStore
	if storageCfg.Mode == blob.ObjectStorageModeLocal {
		store, err = openLocalStore(storageCfg.LocalPath, log)
	} else {
		store, err = newBucketStore(ctx, log, storageCfg)
	}
	if err != nil {
		classified := classifyStorageProviderBootstrapError(storageCfg, err)
		code := storageProviderBootstrapErrorCode(classified)
		metrics.ObserveStorageBootstrap(string(storageCfg.Mode), "error", string(code))
		log.Error("Object storage provider bootstrap failed",
			"mode", storageCfg.Mode,
			"mode_source", storageCfg.ModeSource(),
			"emulator_host", storageCfg.EmulatorHost,
			"error_code", code,
			"error", classified,
		)
		return nil, classified
	}
	metrics.ObserveStorageBootstrap(string(storageCfg.Mode), "success", "none")
	return store, nil
}

func classifyStorageProviderBootstrapError(storageCfg blob.ObjectStorageConfig, err error) error {
	code := StorageProviderBootstrapErrorConnectFailed
	var cfgErr *blob.ObjectStorageConfigError
	if errors.As(err, &cfgErr) {
		switch cfgErr.Code {
		case blob.ObjectStorageConfigErrorInvalidMode:
			code = StorageProviderBootstrapErrorInvalidMode
		case blob.ObjectStorageConfigErrorMissingBucket:
			code = StorageProviderBootstrapErrorMissingBucket
		case blob.ObjectStorageConfigErrorMissingEmulatorHost:
			code = StorageProviderBootstrapErrorMissingEmulatorHost
		case blob.ObjectStorageConfigErrorInvalidEmulatorHost:
			code = StorageProviderBootstrapErrorInvalidEmulatorHost
		}
	}
	return &StorageProviderBootstrapError{
		Code:         code,
		Mode:         string(storageCfg.Mode),
		EmulatorHost: storageCfg.EmulatorHost,
		Cause:        err,
	}
}

func storageProviderBootstrapErrorCode(err error) StorageProviderBootstrapErrorCode {
	var bootstrapErr *StorageProviderBootstrapError
	if errors.As(err, &bootstrapErr) {
		if bootstrapErr.Code != "" {
			return bootstrapErr.Code
		}
	}
	return StorageProviderBootstrapErrorConnectFailed
}
