package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yungbote/terrain-backend/internal/app"
	types "github.com/yungbote/terrain-backend/internal/domain"
	apperr "github.com/yungbote/terrain-backend/internal/pkg/errors"
	"github.com/yungbote/terrain-backend/internal/terrain/coordinator"
	"github.com/yungbote/terrain-backend/internal/terrain/geo"
)

var chunkFlags = []cli.Flag{
	&cli.StringFlag{Name: "world", Required: true, Usage: "world version"},
	&cli.IntFlag{Name: "x", Usage: "chunk x"},
	&cli.IntFlag{Name: "z", Usage: "chunk z"},
	&cli.StringFlag{Name: "layer", Usage: "layer (default from config)"},
	&cli.IntFlag{Name: "resolution", Usage: "samples per side (default from config)"},
}

func chunkRequest(c *cli.Context) coordinator.ChunkRequest {
	return coordinator.ChunkRequest{
		X:            c.Int("x"),
		Z:            c.Int("z"),
		Layer:        c.String("layer"),
		Resolution:   c.Int("resolution"),
		WorldVersion: c.String("world"),
	}
}

func openApp(c *cli.Context) (*app.App, error) {
	cfg, err := app.LoadConfig(c.String("config"))
	if err != nil {
		return nil, err
	}
	return app.New(c.Context, cfg)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "Run the download worker and anchor bootstrap until interrupted",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "skip-anchors", Usage: "do not request the anchor chunks at startup"},
	},
	Action: func(c *cli.Context) error {
		ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := openApp(c)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Start(ctx); err != nil {
			return err
		}
		if !c.Bool("skip-anchors") {
			a.Services.Coordinator.BootstrapAnchors(ctx)
		}
		a.Log.Info("Terrain backend running", "mode", a.Services.Coordinator.Mode())
		<-ctx.Done()
		a.Log.Info("Shutting down")
		return nil
	},
}

var chunkCmd = &cli.Command{
	Name:  "chunk",
	Usage: "Get or create one chunk",
	Flags: append([]cli.Flag{
		&cli.DurationFlag{Name: "wait", Usage: "run the worker and poll until the chunk is no longer pending"},
		&cli.StringFlag{Name: "out", Usage: "write decoded heights as raw little-endian float32 to this file"},
	}, chunkFlags...),
	Action: func(c *cli.Context) error {
		a, err := openApp(c)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := c.Context
		wait := c.Duration("wait")
		if wait > 0 {
			if err := a.Start(ctx); err != nil {
				return err
			}
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, wait)
			defer cancel()
		}

		req := chunkRequest(c)
		var res coordinator.ChunkResult
		for {
			res, err = a.Services.Coordinator.GetOrCreateChunk(ctx, req)
			if err != nil {
				return err
			}
			if res.Status != types.ChunkStatusPending || wait <= 0 {
				break
			}
			select {
			case <-ctx.Done():
				return printJSON(res)
			case <-time.After(time.Second):
			}
		}

		if out := c.String("out"); out != "" && res.Record != nil {
			hm, err := a.Services.Coordinator.LoadHeightmap(ctx, res.Record)
			if err != nil {
				return err
			}
			if err := writeHeights(out, hm.Heights); err != nil {
				return err
			}
		}
		return printJSON(res)
	},
}

var resolveCmd = &cli.Command{
	Name:  "resolve",
	Usage: "Resolve one DEM tile without waiting for a download",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "world", Required: true, Usage: "world version"},
		&cli.StringFlag{Name: "tile", Required: true, Usage: "tile key, e.g. N40W105"},
	},
	Action: func(c *cli.Context) error {
		key, err := geo.ParseTileKey(c.String("tile"))
		if err != nil {
			return err
		}
		a, err := openApp(c)
		if err != nil {
			return err
		}
		defer a.Close()

		wv, ok := a.Services.Worlds.Lookup(c.String("world"))
		if !ok {
			return fmt.Errorf("world version %q: %w", c.String("world"), apperr.ErrNotFound)
		}
		res, err := a.Services.Resolver.Resolve(c.Context, wv.ID, key.String())
		if err != nil {
			return err
		}
		out := map[string]any{
			"tile_key":   res.TileKey,
			"ready":      res.Ready,
			"status":     res.Status,
			"last_error": res.LastError,
		}
		if res.Raster != nil {
			out["ncols"] = res.Raster.NCols
			out["nrows"] = res.Raster.NRows
			out["cellsize"] = res.Raster.CellSize
		}
		return printJSON(out)
	},
}

var originCmd = &cli.Command{
	Name:  "origin",
	Usage: "Print the geographic origin of a chunk",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "x", Usage: "chunk x"},
		&cli.IntFlag{Name: "z", Usage: "chunk z"},
	},
	Action: func(c *cli.Context) error {
		// Only the mapper settings matter here.
		cfg, loadErr := app.LoadConfig(c.String("config"))
		if cfg.OriginLat == nil || cfg.OriginLon == nil {
			return loadErr
		}
		m, err := geo.New(cfg.MapperConfig())
		if err != nil {
			return err
		}
		x, z := c.Int("x"), c.Int("z")
		p := m.ChunkOrigin(x, z)
		tiles := m.TilesForChunk(x, z)
		keys := make([]string, 0, len(tiles))
		for _, t := range tiles {
			keys = append(keys, t.String())
		}
		return printJSON(map[string]any{
			"chunk_x": x,
			"chunk_z": z,
			"lat":     p.Lat,
			"lon":     p.Lon,
			"tiles":   keys,
		})
	},
}

var verifyCmd = &cli.Command{
	Name:  "verify",
	Usage: "Regenerate a stored chunk and compare checksums",
	Flags: chunkFlags,
	Action: func(c *cli.Context) error {
		a, err := openApp(c)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Services.Coordinator.VerifyChunk(c.Context, chunkRequest(c))
		if perr := printJSON(map[string]any{
			"recorded": res.RecordedChecksum,
			"blob":     res.BlobChecksum,
			"derived":  res.DerivedChecksum,
			"ok":       err == nil && res.OK(),
		}); perr != nil {
			return perr
		}
		return err
	},
}

var reindexCmd = &cli.Command{
	Name:  "reindex",
	Usage: "Rebuild the tile index from storage and print its size",
	Action: func(c *cli.Context) error {
		a, err := openApp(c)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.Services.TileIndex.Build(c.Context, a.Clients.Store, a.Log)
		if err != nil {
			return err
		}
		return printJSON(map[string]any{"tiles": n, "keys": a.Services.TileIndex.Keys()})
	},
}
