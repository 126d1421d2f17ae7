package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/NodePath81/fbquality/internal/config"
	"github.com/NodePath81/fbquality/internal/region"
	"github.com/NodePath81/fbquality/internal/session"
	"github.com/NodePath81/fbquality/internal/transport"
	"github.com/NodePath81/fbquality/internal/util"
)

const defaultProgressEvery = 5 * time.Second

// RunOptions configures a single headless measurement.
type RunOptions struct {
	Mode          session.Mode
	Region        string
	Label         string
	ProgressEvery time.Duration
	Logger        util.Logger

	// Transport overrides the one derived from the probe config.
	Transport transport.Transport
}

// RunOnce performs one complete run and saves it. Cancelling ctx stops the
// run early; the partial result is still returned alongside ctx.Err().
func RunOnce(ctx context.Context, cfg config.Config, opts RunOptions) (session.Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = util.DiscardLogger()
	}
	every := opts.ProgressEvery
	if every <= 0 {
		every = defaultProgressEvery
	}
	catalog, err := region.NewCatalog(cfg.Regions, cfg.DefaultRegion)
	if err != nil {
		return session.Result{}, err
	}
	tr := opts.Transport
	if tr == nil {
		tr = buildTransport(cfg)
	}

	finished := make(chan struct{})
	orch := session.New(sessionConfig(cfg), catalog, tr,
		session.WithLogger(logger),
		session.WithEventHandler(func(ev session.Event) {
			if ev.Kind == session.EventState && ev.Status == session.StatusCompleted {
				close(finished)
			}
		}),
	)
	if opts.Region != "" {
		if err := orch.SelectRegion(opts.Region); err != nil {
			return session.Result{}, err
		}
	}
	mode := opts.Mode
	if mode == "" {
		if mode, err = session.ParseMode(cfg.Session.DefaultMode); err != nil {
			return session.Result{}, err
		}
	}
	if err := orch.Start(mode); err != nil {
		return session.Result{}, err
	}

	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	g.Go(func() error {
		defer close(done)
		select {
		case <-finished:
			return nil
		case <-gctx.Done():
			if err := orch.Stop(); err != nil && !errors.Is(err, session.ErrNotRunning) {
				return err
			}
			return gctx.Err()
		}
	})
	g.Go(func() error {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return nil
			case <-ticker.C:
				snap := orch.Snapshot()
				logger.Info("measuring", "phase", snap.Phase, "progress", fmt.Sprintf("%.0f%%", snap.Progress), "samples", snap.SampleCount, "failed", snap.FailedCount)
			}
		}
	})
	runErr := g.Wait()

	res, err := orch.Save(opts.Label)
	if err != nil {
		return session.Result{}, err
	}
	return res, runErr
}
