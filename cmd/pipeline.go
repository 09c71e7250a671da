package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/kozaktomas/facetrack/internal/attendance"
	"github.com/kozaktomas/facetrack/internal/capture"
	"github.com/kozaktomas/facetrack/internal/config"
	"github.com/kozaktomas/facetrack/internal/database"
	_ "github.com/kozaktomas/facetrack/internal/database/postgres"
	_ "github.com/kozaktomas/facetrack/internal/database/sqlite"
	"github.com/kozaktomas/facetrack/internal/embedder"
	"github.com/kozaktomas/facetrack/internal/logger"
	"github.com/kozaktomas/facetrack/internal/matcher"
	"github.com/kozaktomas/facetrack/internal/registry"
	"github.com/kozaktomas/facetrack/internal/remote"
	"github.com/kozaktomas/facetrack/internal/session"
	"github.com/kozaktomas/facetrack/internal/syncer"
	"github.com/kozaktomas/facetrack/internal/tracker"
)

// pipeline holds the long-lived components shared by the commands.
type pipeline struct {
	cfg      *config.Config
	store    database.Store
	remote   *remote.Client
	encoder  *embedder.Client
	registry *registry.Registry
	engine   *syncer.Engine
}

// openPipeline opens the store and creates the clients. The registry is
// created empty; call loadRegistry to fill it.
func openPipeline(cfg *config.Config, progress func(done, total int)) (*pipeline, error) {
	client, err := remote.NewClient(cfg.Remote.BaseURL, cfg.Remote.Token, cfg.Remote.Timeout)
	if err != nil {
		return nil, fmt.Errorf("creating attendance client: %w", err)
	}

	fmt.Printf("Opening %s store...\n", cfg.Store.Driver)
	store, err := database.Open(&cfg.Store)
	if err != nil {
		return nil, err
	}

	encoder := embedder.NewClient(cfg.Embedding.URL, cfg.Embedding.Timeout)
	reg := registry.New(registry.Options{
		Dir:         cfg.Registry.FacesDir,
		Metric:      cfg.Recognition.Metric,
		HNSWMinSize: cfg.Registry.HNSWMinSize,
		Concurrency: cfg.Registry.Concurrency,
		Encoder:     encoder,
		Roster:      client,
		Progress:    progress,
	})

	return &pipeline{
		cfg:      cfg,
		store:    store,
		remote:   client,
		encoder:  encoder,
		registry: reg,
		engine:   syncer.New(store, client, cfg.Remote.Timeout),
	}, nil
}

func (p *pipeline) Close() {
	if err := p.store.Close(); err != nil {
		logger.Warn("failed to close store", "err", err)
	}
}

// loadRegistry fills the registry. Stores that mirror identities are refreshed
// from a successful load and serve as a fallback when nothing loads locally.
// An empty registry is not an error: the session simply confirms no one.
func (p *pipeline) loadRegistry(ctx context.Context) {
	err := p.registry.Load(ctx)
	mirror, hasMirror := p.store.(database.IdentityMirror)

	switch {
	case err == nil && hasMirror:
		if err := mirror.SaveIdentities(ctx, p.registry.Identities()); err != nil {
			logger.Warn("failed to mirror identities", "err", err)
		}
	case err != nil && hasMirror:
		identities, mirrorErr := mirror.LoadIdentities(ctx)
		if mirrorErr == nil && len(identities) > 0 {
			p.registry.Set(identities)
			fmt.Printf("Loaded %d identities from the %s store\n", len(identities), p.cfg.Store.Driver)
			return
		}
		fallthrough
	case err != nil:
		if errors.Is(err, attendance.ErrRegistryUnavailable) {
			fmt.Printf("Warning: %v\n", err)
			fmt.Println("Continuing with an empty roster; nobody will be confirmed")
			return
		}
		fmt.Printf("Warning: failed to load registry: %v\n", err)
		return
	}
	fmt.Printf("Loaded %d identities from %s\n", p.registry.Len(), p.cfg.Registry.FacesDir)
}

// newController wires the session controller.
func (p *pipeline) newController() *session.Controller {
	rc := p.cfg.Recognition
	return session.New(session.Options{
		Store:   p.store,
		Matcher: matcher.New(p.encoder, p.registry, rc.MaxFaceDistance),
		Syncer:  p.engine,
		Roster:  p.registry,
		NewSource: func() (capture.Source, error) {
			return capture.New(&p.cfg.Camera)
		},
		Tracker: tracker.Config{
			RequiredDetections: rc.RequiredDetections,
			Window:             rc.DetectionWindow,
			Capacity:           rc.BufferCapacity,
		},
		FrameSkip:    rc.FrameSkip,
		Scale:        p.cfg.Camera.Scale,
		ScanInterval: rc.ScanInterval,
		RetryDelay:   p.cfg.Camera.RetryDelay,
		MaxFailures:  p.cfg.Camera.MaxFailures,
		MatchDelay:   rc.MatchDelay,
	})
}

func printSyncResult(res syncer.Result, err error) {
	fmt.Printf("Sync: %d pending, %d synced, %d of %d batches failed\n",
		res.Pending, res.Synced, res.Failed, res.Sessions)
	if err != nil {
		fmt.Printf("Warning: %v\n", err)
	}
}
