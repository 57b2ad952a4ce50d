package status

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fedistack/fedistack/internal/bootstrap"
	"github.com/fedistack/fedistack/internal/fedi"
)

// StepStatus is one recorded bootstrap step outcome.
type StepStatus struct {
	ID         bootstrap.StepID `json:"id"`
	OK         bool             `json:"ok"`
	Error      string           `json:"error,omitempty"`
	FinishedAt time.Time        `json:"finished_at"`
}

// Snapshot is the JSON shape served on /status.
type Snapshot struct {
	Stage   bootstrap.StepID `json:"stage"`
	Steps   []StepStatus     `json:"steps"`
	Follows map[string]int   `json:"follows"`
}

// Tracker records bootstrap and follow progress for the status endpoint and
// exports it as Prometheus metrics.
type Tracker struct {
	mu      sync.Mutex
	stage   bootstrap.StepID
	steps   []StepStatus
	follows map[string]int

	stagesTotal  *prometheus.CounterVec
	followsTotal *prometheus.CounterVec
}

// NewTracker creates a Tracker and registers its metrics on reg.
func NewTracker(reg prometheus.Registerer) *Tracker {
	t := &Tracker{
		follows: map[string]int{},
		stagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fedistack_bootstrap_stages_total",
			Help: "Bootstrap stage outcomes by stage and result",
		}, []string{"stage", "result"}),
		followsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fedistack_follows_total",
			Help: "Follow attempts by outcome",
		}, []string{"outcome"}),
	}
	reg.MustRegister(t.stagesTotal, t.followsTotal)
	return t
}

// RecordStep implements bootstrap.Progress.
func (t *Tracker) RecordStep(id bootstrap.StepID, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	status := StepStatus{ID: id, OK: err == nil, FinishedAt: time.Now()}
	result := "ok"
	if err != nil {
		status.Error = err.Error()
		result = "error"
	} else {
		t.stage = id
	}
	t.steps = append(t.steps, status)
	t.stagesTotal.WithLabelValues(string(id), result).Inc()
}

// RecordFollow tallies one follow attempt.
func (t *Tracker) RecordFollow(res fedi.FollowResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.follows[string(res.Outcome)]++
	t.followsTotal.WithLabelValues(string(res.Outcome)).Inc()
}

// Snapshot returns a copy of the current progress.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	steps := make([]StepStatus, len(t.steps))
	copy(steps, t.steps)
	follows := make(map[string]int, len(t.follows))
	for k, v := range t.follows {
		follows[k] = v
	}
	return Snapshot{Stage: t.stage, Steps: steps, Follows: follows}
}

// NewServer creates an HTTP server exposing run progress (/status),
// liveness (/healthz), and Prometheus metrics (/metrics).
func NewServer(addr string, tracker *Tracker, gatherer prometheus.Gatherer) *http.Server {
	r := chi.NewRouter()

	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(tracker.Snapshot())
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return &http.Server{
		Addr:    addr,
		Handler: r,
	}
}
