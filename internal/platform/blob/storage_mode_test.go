package blob

import (
	"errors"
	"testing"
)

func TestResolveObjectStorageConfig(t *testing.T) {
	tests := []struct {
		name         string
		mode         string
		bucket       string
		emulatorHost string
		wantMode     ObjectStorageMode
		wantFallback bool
		wantCode     ObjectStorageConfigErrorCode
	}{
		{name: "default gcs", bucket: "dem", wantMode: ObjectStorageModeGCS},
		{name: "explicit gcs ignores emulator", mode: "gcs", bucket: "dem", emulatorHost: "http://fake-gcs:4443", wantMode: ObjectStorageModeGCS},
		{name: "explicit emulator", mode: "GCS_EMULATOR", bucket: "dem", emulatorHost: "http://fake-gcs:4443", wantMode: ObjectStorageModeGCSEmulator},
		{name: "compatibility fallback", bucket: "dem", emulatorHost: "http://fake-gcs:4443", wantMode: ObjectStorageModeGCSEmulator, wantFallback: true},
		{name: "local needs no bucket", mode: "local", wantMode: ObjectStorageModeLocal},
		{name: "invalid mode", mode: "s3", bucket: "dem", wantCode: ObjectStorageConfigErrorInvalidMode},
		{name: "missing bucket", mode: "gcs", wantCode: ObjectStorageConfigErrorMissingBucket},
		{name: "missing emulator host", mode: "gcs_emulator", bucket: "dem", wantCode: ObjectStorageConfigErrorMissingEmulatorHost},
		{name: "invalid emulator host", mode: "gcs_emulator", bucket: "dem", emulatorHost: "fake-gcs:4443", wantCode: ObjectStorageConfigErrorInvalidEmulatorHost},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := ResolveObjectStorageConfig(tc.mode, tc.bucket, tc.emulatorHost, "")
			if tc.wantCode != "" {
				var cfgErr *ObjectStorageConfigError
				if !errors.As(err, &cfgErr) {
					t.Fatalf("expected ObjectStorageConfigError, got %v", err)
				}
				if cfgErr.Code != tc.wantCode {
					t.Fatalf("code: want=%q got=%q", tc.wantCode, cfgErr.Code)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveObjectStorageConfig: %v", err)
			}
			if cfg.Mode != tc.wantMode {
				t.Fatalf("mode: want=%q got=%q", tc.wantMode, cfg.Mode)
			}
			if cfg.CompatibilityFallback != tc.wantFallback {
				t.Fatalf("compatibility fallback: want=%v got=%v", tc.wantFallback, cfg.CompatibilityFallback)
			}
		})
	}
}

func TestObjectStorageConfigHelpers(t *testing.T) {
	cfg := ObjectStorageConfig{Mode: ObjectStorageModeGCS}
	if cfg.IsEmulatorMode() {
		t.Fatalf("gcs config should not be emulator mode")
	}
	if got := cfg.ModeSource(); got != "explicit_or_default" {
		t.Fatalf("ModeSource: want=%q got=%q", "explicit_or_default", got)
	}
	cfg = ObjectStorageConfig{Mode: ObjectStorageModeGCSEmulator, CompatibilityFallback: true}
	if !cfg.IsEmulatorMode() {
		t.Fatalf("gcs_emulator config should be emulator mode")
	}
	if got := cfg.ModeSource(); got != "compatibility_fallback" {
		t.Fatalf("ModeSource: want=%q got=%q", "compatibility_fallback", got)
	}
	if IsSupportedObjectStorageMode(ObjectStorageMode("invalid")) {
		t.Fatalf("invalid mode should not be supported")
	}
}

func TestKeys(t *testing.T) {
	if got := DEMKey("N40W105"); got != "dem/N40W105.asc" {
		t.Fatalf("DEMKey: got %q", got)
	}
	tk, ok := TileKeyFromDEMKey("dem/S12E003.asc")
	if !ok || tk != "S12E003" {
		t.Fatalf("TileKeyFromDEMKey: got %q ok=%v", tk, ok)
	}
	for _, bad := range []string{"dem/.asc", "chunks/x.asc", "dem/a/b.asc", "dem/N40W105.tif"} {
		if _, ok := TileKeyFromDEMKey(bad); ok {
			t.Fatalf("TileKeyFromDEMKey(%q): expected rejection", bad)
		}
	}
	if got := ChunkKey("v1", "terrain", 64, -3, 7, "0123456789abcdef0123"); got != "chunks/v1/terrain/64/-3_7.0123456789abcdef.bin.zst" {
		t.Fatalf("ChunkKey: got %q", got)
	}
	if ChunkKey("v1", "terrain", 64, 0, 0, "aaaa") == ChunkKey("v1", "terrain", 64, 0, 0, "bbbb") {
		t.Fatalf("ChunkKey: different content must not share a key")
	}
	if got := ContentType("chunks/v1/terrain/64/0_0.bin.zst"); got != "application/zstd" {
		t.Fatalf("ContentType: got %q", got)
	}
}
