package app

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/NodePath81/fbquality/internal/config"
	"github.com/NodePath81/fbquality/internal/control"
	"github.com/NodePath81/fbquality/internal/metrics"
	"github.com/NodePath81/fbquality/internal/probe"
	"github.com/NodePath81/fbquality/internal/region"
	"github.com/NodePath81/fbquality/internal/session"
	"github.com/NodePath81/fbquality/internal/transport"
	"github.com/NodePath81/fbquality/internal/util"
)

type Runtime struct {
	cfg     config.Config
	ctx     context.Context
	cancel  context.CancelFunc
	logger  util.Logger
	session *session.Orchestrator
	metrics *metrics.Metrics
	hub     *control.StatusHub
	control *control.ControlServer
	group   *errgroup.Group
}

func NewRuntime(cfg config.Config, logger util.Logger, restartFn func() error) (*Runtime, error) {
	if logger == nil {
		logger = util.DiscardLogger()
	}
	catalog, err := region.NewCatalog(cfg.Regions, cfg.DefaultRegion)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)

	rt := &Runtime{
		cfg:    cfg,
		ctx:    gctx,
		cancel: cancel,
		logger: logger,
		group:  group,
	}
	rt.hub = control.NewStatusHub(gctx.Done())
	rt.session = session.New(sessionConfig(cfg), catalog, buildTransport(cfg),
		session.WithLogger(logger),
		session.WithEventHandler(rt.handleEvent),
	)
	rt.metrics = metrics.NewMetrics(rt.session)
	if cfg.Control.IsEnabled() {
		rt.control = control.NewControlServer(cfg, rt.session, rt.metrics, rt.hub, restartFn, logger)
	}
	return rt, nil
}

func (r *Runtime) handleEvent(ev session.Event) {
	r.metrics.ObserveEvent(ev)
	r.hub.PublishEvent(ev)
}

func (r *Runtime) Session() *session.Orchestrator {
	return r.session
}

func (r *Runtime) Start() error {
	if r.control != nil {
		if err := r.control.Start(r.ctx); err != nil {
			r.cancel()
			return err
		}
	}
	r.metrics.Start(r.ctx.Done())

	r.group.Go(func() error {
		<-r.ctx.Done()
		if r.session.Status() == session.StatusRunning {
			if err := r.session.Stop(); err != nil {
				r.logger.Debug("stop on shutdown", "error", err)
			}
		}
		return nil
	})
	r.logger.Info("runtime started", "regions", len(r.session.Regions()), "transport", r.cfg.Probe.Transport, "control", r.control != nil)
	return nil
}

func (r *Runtime) Stop() {
	r.cancel()
	if r.control != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = r.control.Shutdown(ctx)
		cancel()
	}
	r.wait()
}

func (r *Runtime) wait() {
	if err := r.group.Wait(); err != nil {
		r.logger.Error("runtime stopped with error", "error", err)
	}
}

func sessionConfig(cfg config.Config) session.Config {
	return session.Config{
		Warmup:             cfg.Session.Warmup.Duration(),
		Load:               cfg.Session.Load.Duration(),
		Stability:          cfg.Session.Stability.Duration(),
		ProgressInterval:   cfg.Session.ProgressInterval.Duration(),
		MinSpeedCapMbps:    cfg.Session.MinSpeedCapMbps,
		SpeedCapMarginMbps: cfg.Session.SpeedCapMarginMbps,
		Latency: probe.LatencyConfig{
			Interval: cfg.Probe.Interval.Duration(),
			Timeout:  cfg.Probe.Timeout.Duration(),
		},
		Throughput: probe.ThroughputConfig{
			Targets:    append([]string(nil), cfg.Throughput.Targets...),
			Timeout:    cfg.Throughput.Timeout.Duration(),
			NoiseFloor: cfg.Throughput.NoiseFloor.Duration(),
			RetryDelay: cfg.Throughput.RetryDelay.Duration(),
			Gap:        cfg.Throughput.Gap.Duration(),
			Backoff:    cfg.Throughput.Backoff.Duration(),
		},
	}
}

// buildTransport always downloads over HTTP; only the latency pinger varies.
func buildTransport(cfg config.Config) transport.Transport {
	web := transport.NewHTTPTransport(nil)
	switch cfg.Probe.Transport {
	case config.ProbeTransportTCP:
		return transport.Combine(transport.NewTCPPinger(), web)
	case config.ProbeTransportICMP:
		return transport.Combine(transport.NewICMPPinger(cfg.Probe.Privileged()), web)
	default:
		return web
	}
}
