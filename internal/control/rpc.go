package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/NodePath81/fbquality/internal/region"
	"github.com/NodePath81/fbquality/internal/sample"
	"github.com/NodePath81/fbquality/internal/session"
	"github.com/NodePath81/fbquality/internal/stats"
)

var (
	errInvalidParams      = errors.New("invalid params")
	errUnknownMethod      = errors.New("unknown method")
	errRestartUnavailable = errors.New("restart unavailable")
)

type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type rpcResponse struct {
	Ok     bool        `json:"ok"`
	Error  string      `json:"error,omitempty"`
	Result interface{} `json:"result,omitempty"`
}

type startTestParams struct {
	Mode string `json:"mode"`
}

type saveResultParams struct {
	Label string `json:"label"`
}

type selectRegionParams struct {
	ID string `json:"id"`
}

type getResultParams struct {
	ID string `json:"id"`
}

type compareParams struct {
	IDs []string `json:"ids"`
}

type statsResponse struct {
	Status      session.Status `json:"status"`
	Stats       stats.Stats    `json:"stats"`
	CappedStats stats.Stats    `json:"capped_stats"`
	Verdict     string         `json:"verdict"`
}

type samplesResponse struct {
	Samples []sample.Sample `json:"samples"`
	Failed  int             `json:"failed"`
}

type regionsResponse struct {
	Selected string          `json:"selected"`
	Regions  []region.Region `json:"regions"`
}

// resultSummary is the list form of a saved result, without samples.
type resultSummary struct {
	Rank               int          `json:"rank,omitempty"`
	ID                 string       `json:"id"`
	Label              string       `json:"label"`
	CreatedAt          time.Time    `json:"created_at"`
	Mode               session.Mode `json:"mode"`
	Region             string       `json:"region"`
	Grade              stats.Grade  `json:"grade"`
	Score              float64      `json:"score"`
	Verdict            string       `json:"verdict"`
	AvgLatency         float64      `json:"avg_latency"`
	AvgJitter          float64      `json:"avg_jitter"`
	PacketLoss         float64      `json:"packet_loss"`
	AvgSpeed           float64      `json:"avg_speed"`
	RecommendedBitrate float64      `json:"recommended_bitrate"`
}

func summarize(r session.Result) resultSummary {
	return resultSummary{
		ID:                 r.ID,
		Label:              r.Label,
		CreatedAt:          r.CreatedAt,
		Mode:               r.Mode,
		Region:             r.Region.ID,
		Grade:              r.Stats.Grade,
		Score:              r.Stats.Score,
		Verdict:            r.Verdict(),
		AvgLatency:         r.Stats.Avg,
		AvgJitter:          r.Stats.AvgJitter,
		PacketLoss:         r.Stats.PacketLoss,
		AvgSpeed:           r.Stats.AvgSpeed,
		RecommendedBitrate: r.Stats.RecommendedBitrate,
	}
}

func (c *ControlServer) handleRPC(w http.ResponseWriter, r *http.Request) {
	if !c.limiter.Allow(clientIP(r)) {
		writeJSON(w, http.StatusTooManyRequests, rpcResponse{Ok: false, Error: "rate limit exceeded"})
		return
	}
	if !c.checkAuth(r) {
		writeJSON(w, http.StatusUnauthorized, rpcResponse{Ok: false, Error: "unauthorized"})
		return
	}
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, rpcResponse{Ok: false, Error: "method not allowed"})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRPCBodyBytes)
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, rpcResponse{Ok: false, Error: "invalid json"})
		return
	}
	result, err := c.dispatch(req)
	if err != nil {
		c.logger.Debug("rpc failed", "method", req.Method, "error", err)
		writeJSON(w, rpcStatus(err), rpcResponse{Ok: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rpcResponse{Ok: true, Result: result})
}

func (c *ControlServer) dispatch(req rpcRequest) (any, error) {
	switch req.Method {
	case "StartTest":
		var params startTestParams
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		raw := strings.TrimSpace(params.Mode)
		if raw == "" {
			raw = c.fullCfg.Session.DefaultMode
		}
		mode, err := session.ParseMode(raw)
		if err != nil {
			return nil, err
		}
		if err := c.session.Start(mode); err != nil {
			return nil, err
		}
		c.logger.Debug("rpc start", "mode", mode)
		return c.session.Snapshot(), nil
	case "StopTest":
		if err := c.session.Stop(); err != nil {
			return nil, err
		}
		c.logger.Debug("rpc stop")
		return c.session.Snapshot(), nil
	case "SaveResult":
		var params saveResultParams
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		res, err := c.session.Save(params.Label)
		if err != nil {
			return nil, err
		}
		c.logger.Debug("rpc save", "id", res.ID)
		return res, nil
	case "DiscardResult":
		if err := c.session.Discard(); err != nil {
			return nil, err
		}
		return nil, nil
	case "SelectRegion":
		var params selectRegionParams
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		if err := c.session.SelectRegion(strings.TrimSpace(params.ID)); err != nil {
			return nil, err
		}
		return c.session.SelectedRegion(), nil
	case "GetStatus":
		return c.session.Snapshot(), nil
	case "GetStats":
		st := c.session.Stats()
		return statsResponse{
			Status:      c.session.Status(),
			Stats:       st,
			CappedStats: c.session.CappedStats(),
			Verdict:     stats.Verdict(st.Grade),
		}, nil
	case "GetSamples":
		return samplesResponse{
			Samples: c.session.Samples(),
			Failed:  c.session.FailedCount(),
		}, nil
	case "ListRegions":
		return regionsResponse{
			Selected: c.session.SelectedRegion().ID,
			Regions:  c.session.Regions(),
		}, nil
	case "ListHistory":
		results := c.session.History().List()
		out := make([]resultSummary, 0, len(results))
		for _, res := range results {
			out = append(out, summarize(res))
		}
		return out, nil
	case "GetResult":
		var params getResultParams
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		res, ok := c.session.History().Get(params.ID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", session.ErrUnknownResult, params.ID)
		}
		return res, nil
	case "CompareResults":
		var params compareParams
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		ranked, err := c.session.History().Compare(params.IDs...)
		if err != nil {
			return nil, err
		}
		out := make([]resultSummary, 0, len(ranked))
		for i, res := range ranked {
			s := summarize(res)
			s.Rank = i + 1
			out = append(out, s)
		}
		return out, nil
	case "GetRuntimeConfig":
		return c.getRuntimeConfig(), nil
	case "Restart":
		if c.restartFn == nil {
			return nil, errRestartUnavailable
		}
		go func() {
			c.logger.Info("restart invoked")
			if err := c.restartFn(); err != nil {
				c.logger.Error("restart failed", "error", err)
			}
		}()
		return nil, nil
	default:
		return nil, errUnknownMethod
	}
}

func decodeParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errInvalidParams
	}
	return nil
}

func rpcStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrRunning), errors.Is(err, session.ErrNotRunning):
		return http.StatusConflict
	case errors.Is(err, session.ErrUnknownRegion), errors.Is(err, session.ErrUnknownResult):
		return http.StatusNotFound
	case errors.Is(err, errRestartUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func (c *ControlServer) getRuntimeConfig() map[string]interface{} {
	cfg := c.fullCfg
	regions := make([]map[string]interface{}, 0, len(cfg.Regions))
	for _, reg := range cfg.Regions {
		regions = append(regions, map[string]interface{}{
			"id":     reg.ID,
			"label":  reg.Label,
			"target": reg.Target,
		})
	}
	return map[string]interface{}{
		"hostname":       cfg.Hostname,
		"regions":        regions,
		"default_region": cfg.DefaultRegion,
		"probe": map[string]interface{}{
			"transport":       cfg.Probe.Transport,
			"interval":        cfg.Probe.Interval.Duration().String(),
			"timeout":         cfg.Probe.Timeout.Duration().String(),
			"icmp_privileged": cfg.Probe.Privileged(),
		},
		"throughput": map[string]interface{}{
			"targets":     cfg.Throughput.Targets,
			"timeout":     cfg.Throughput.Timeout.Duration().String(),
			"noise_floor": cfg.Throughput.NoiseFloor.Duration().String(),
			"retry_delay": cfg.Throughput.RetryDelay.Duration().String(),
			"gap":         cfg.Throughput.Gap.Duration().String(),
			"backoff":     cfg.Throughput.Backoff.Duration().String(),
		},
		"session": map[string]interface{}{
			"warmup":                cfg.Session.Warmup.Duration().String(),
			"load":                  cfg.Session.Load.Duration().String(),
			"stability":             cfg.Session.Stability.Duration().String(),
			"progress_interval":     cfg.Session.ProgressInterval.Duration().String(),
			"min_speed_cap_mbps":    cfg.Session.MinSpeedCapMbps,
			"speed_cap_margin_mbps": cfg.Session.SpeedCapMarginMbps,
			"default_mode":          cfg.Session.DefaultMode,
		},
		"control": map[string]interface{}{
			"bind_addr":       cfg.Control.BindAddr,
			"bind_port":       cfg.Control.BindPort,
			"metrics_enabled": cfg.Control.Metrics.IsEnabled(),
			"rate_limit": map[string]interface{}{
				"requests_per_second": cfg.Control.RateLimit.RequestsPerSecond,
				"burst":               cfg.Control.RateLimit.Burst,
			},
		},
	}
}
