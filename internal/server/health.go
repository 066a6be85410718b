package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

type probeInfo struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

// probe runs fn with a short deadline. A nil fn counts as connected.
func probe(ctx context.Context, fn func(context.Context) error) probeInfo {
	if fn == nil {
		return probeInfo{Connected: true}
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		return probeInfo{Error: err.Error()}
	}
	return probeInfo{
		Connected: true,
		LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var rpcInfo, dbInfo probeInfo

	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		rpcInfo = probe(ctx, s.rpcHealthFn)
		return nil
	})
	g.Go(func() error {
		dbInfo = probe(ctx, s.dbHealthFn)
		return nil
	})
	_ = g.Wait()

	overallHealthy := rpcInfo.Connected && dbInfo.Connected
	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status   string    `json:"status"`
		RPC      probeInfo `json:"rpc"`
		Database probeInfo `json:"database"`
		InFlight int       `json:"in_flight"`
		ChainID  int64     `json:"chain_id"`
	}{
		Status:   status,
		RPC:      rpcInfo,
		Database: dbInfo,
		InFlight: s.inflight.size(),
		ChainID:  s.cfg.Chain.ChainID,
	}

	w.Header().Set("Content-Type", "application/json")
	if !overallHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}
