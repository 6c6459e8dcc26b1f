package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Status is the payload returned by /healthz.
type Status struct {
	Status  string  `json:"status"`
	UptimeS float64 `json:"uptime_s"`
}

// Counters is the payload returned by /statz. RuleCount is the size of the
// live rule set; every other value is monotonic since startup.
type Counters struct {
	RuleCount     int    `json:"rule_count"`
	Decoded       uint64 `json:"decoded"`
	DecodeDropped uint64 `json:"decode_dropped"`
	RateDropped   uint64 `json:"rate_dropped"`
	Evaluations   uint64 `json:"evaluations"`
	Matches       uint64 `json:"matches"`
	Correlations  uint64 `json:"correlations"`
	Reloads       uint64 `json:"reloads"`
	Responses     uint64 `json:"responses"`
	ResponseFails uint64 `json:"response_fails"`
}

// HealthServer serves the diagnostics HTTP endpoint. It is a Worker like
// everything else the agent supervises.
type HealthServer struct {
	addr    string
	logger  *slog.Logger
	uptime  func() time.Duration
	collect func() Counters
}

// NewHealthServer creates the diagnostics endpoint. collect is invoked per
// /statz request.
func NewHealthServer(addr string, uptime func() time.Duration, collect func() Counters, logger *slog.Logger) *HealthServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthServer{addr: addr, logger: logger, uptime: uptime, collect: collect}
}

// Run serves until ctx is cancelled.
func (h *HealthServer) Run(ctx context.Context) error {
	r := chi.NewRouter()
	r.Get("/healthz", h.handleHealthz)
	r.Get("/statz", h.handleStatz)

	srv := &http.Server{
		Addr:         h.addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (h *HealthServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, Status{Status: "ok", UptimeS: h.uptime().Seconds()})
}

func (h *HealthServer) handleStatz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.collect())
}

func (h *HealthServer) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("diagnostics: failed to encode response", slog.Any("error", err))
	}
}
