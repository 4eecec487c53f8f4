package telemetry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/rjboer/GoSounder/internal/logging"
)

// Config represents the runtime configuration exposed by the telemetry hub.
type Config struct {
	HistoryLimit int `json:"historyLimit"`
}

const (
	minHistoryLimit = 1
	maxHistoryLimit = 10_000
)

func defaultConfig() Config {
	return Config{HistoryLimit: 500}
}

func validateConfig(cfg Config, base Config) (Config, error) {
	if base.HistoryLimit == 0 {
		base = defaultConfig()
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = base.HistoryLimit
	}
	if cfg.HistoryLimit < minHistoryLimit || cfg.HistoryLimit > maxHistoryLimit {
		return Config{}, fmt.Errorf("history limit must be between %d and %d", minHistoryLimit, maxHistoryLimit)
	}
	return cfg, nil
}

// Hub collects calibration history and fans out updates to subscribers.
type Hub struct {
	mu           sync.RWMutex
	history      []Attempt
	historyLimit int
	subscribers  map[chan Attempt]struct{}
	config       Config
	latest       *Attempt
	started      time.Time
	logger       logging.Logger
}

// NewHub builds a telemetry hub with the provided history limit.
func NewHub(historyLimit int, logger logging.Logger) *Hub {
	cfg := defaultConfig()
	if historyLimit > 0 {
		cfg.HistoryLimit = historyLimit
	}
	cfg, err := validateConfig(cfg, defaultConfig())
	if err != nil {
		cfg = defaultConfig()
	}
	return &Hub{
		historyLimit: cfg.HistoryLimit,
		subscribers:  make(map[chan Attempt]struct{}),
		config:       cfg,
		started:      time.Now(),
		logger:       logging.OrDefault(logger).With(logging.Subsystem("telemetry")),
	}
}

// ReportAttempt implements Reporter and records a calibration attempt.
func (h *Hub) ReportAttempt(a Attempt) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}

	h.mu.Lock()
	h.history = append(h.history, a)
	if len(h.history) > h.historyLimit {
		h.history = h.history[len(h.history)-h.historyLimit:]
	}
	latest := a
	h.latest = &latest
	for ch := range h.subscribers {
		select {
		case ch <- a:
		default:
		}
	}
	h.mu.Unlock()
}

// History returns a copy of stored attempts.
func (h *Hub) History() []Attempt {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Attempt, len(h.history))
	copy(out, h.history)
	return out
}

// ConfigSnapshot returns the latest validated configuration.
func (h *Hub) ConfigSnapshot() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// Subscribe registers a listener for live updates.
func (h *Hub) Subscribe() (chan Attempt, func()) {
	ch := make(chan Attempt, 16)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	cancel := func() {
		h.mu.Lock()
		delete(h.subscribers, ch)
		close(ch)
		h.mu.Unlock()
	}
	return ch, cancel
}

// MultiReporter fans out telemetry to multiple destinations.
type MultiReporter []Reporter

// ReportAttempt forwards the attempt to each configured reporter.
func (m MultiReporter) ReportAttempt(a Attempt) {
	for _, r := range m {
		if r != nil {
			r.ReportAttempt(a)
		}
	}
}

func (h *Hub) applyConfig(cfg Config) {
	h.config = cfg
	h.historyLimit = cfg.HistoryLimit
	if len(h.history) > h.historyLimit {
		h.history = h.history[len(h.history)-h.historyLimit:]
	}
}

// ProcessInfo describes the running process.
type ProcessInfo struct {
	Uptime       time.Duration `json:"uptime"`
	NumGoroutine int           `json:"numGoroutine"`
}

// HealthStatus summarizes whether the array is calibrated.
type HealthStatus struct {
	Status  string      `json:"status"`
	Outcome string      `json:"outcome,omitempty"`
	RunID   string      `json:"runId,omitempty"`
	Process ProcessInfo `json:"process"`
}

// Health reports "starting" until a calibration run finishes, then "ok" for
// a converged or skipped run and "degraded" for an uncalibrated array.
func (h *Hub) Health() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	status := HealthStatus{
		Status: "starting",
		Process: ProcessInfo{
			Uptime:       time.Since(h.started),
			NumGoroutine: runtime.NumGoroutine(),
		},
	}
	for i := len(h.history) - 1; i >= 0; i-- {
		a := h.history[i]
		if a.Outcome == "" {
			continue
		}
		status.Outcome = a.Outcome
		status.RunID = a.RunID
		if a.Outcome == OutcomeFailed {
			status.Status = "degraded"
		} else {
			status.Status = "ok"
		}
		break
	}
	return status
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Hub) handleHistory(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.History())
}

func (h *Hub) handleLatest(w http.ResponseWriter, _ *http.Request) {
	h.mu.RLock()
	latest := h.latest
	h.mu.RUnlock()
	if latest == nil {
		http.Error(w, "no calibration attempts yet", http.StatusNotFound)
		return
	}
	writeJSON(w, latest)
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, h.Health())
}

func (h *Hub) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.ConfigSnapshot())
}

func (h *Hub) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var incoming Config
	if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
		http.Error(w, fmt.Sprintf("invalid config payload: %v", err), http.StatusBadRequest)
		return
	}

	h.mu.RLock()
	current := h.config
	h.mu.RUnlock()

	cfg, err := validateConfig(incoming, current)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	h.applyConfig(cfg)
	h.mu.Unlock()
	h.logger.Info("telemetry config updated", logging.Int("history_limit", cfg.HistoryLimit))

	writeJSON(w, cfg)
}

func writeEvent(w http.ResponseWriter, a Attempt) {
	payload, _ := json.Marshal(a)
	w.Write([]byte("data: "))
	w.Write(payload)
	w.Write([]byte("\n\n"))
}

func (h *Hub) handleLive(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := h.Subscribe()
	defer cancel()

	// send existing history for immediate display
	for _, a := range h.History() {
		writeEvent(w, a)
	}
	flusher.Flush()

	for {
		select {
		case a, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, a)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
