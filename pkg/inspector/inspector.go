// Package inspector serves a read-only HTTP view of the registry: the
// resident machines, their states and histories, runtime statistics and
// Prometheus metrics.
package inspector

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/statorio/stator/pkg/core"
	obsprom "github.com/statorio/stator/pkg/observability/prometheus"
	"github.com/statorio/stator/pkg/registry"
)

// Inspector is the HTTP server.
type Inspector struct {
	registry *registry.Registry
	metrics  *obsprom.Metrics
	logger   core.Logger
	server   *http.Server
}

// New creates an inspector bound to addr.
func New(addr string, reg *registry.Registry, metrics *obsprom.Metrics, logger core.Logger) *Inspector {
	if logger == nil {
		logger = core.NewDefaultLogger()
	}
	ins := &Inspector{registry: reg, metrics: metrics, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/machines", ins.handleMachines)
	mux.HandleFunc("/machines/", ins.handleMachine)
	mux.HandleFunc("/stats", ins.handleStats)
	if metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}

	ins.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return ins
}

// Start serves until Shutdown. Blocks; run it on its own goroutine.
func (ins *Inspector) Start() error {
	ins.logger.Infof("inspector listening on %s", ins.server.Addr)
	err := ins.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (ins *Inspector) Shutdown(ctx context.Context) error {
	return ins.server.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (ins *Inspector) Handler() http.Handler {
	return ins.server.Handler
}

type machineSummary struct {
	ID              string    `json:"id"`
	Type            string    `json:"type"`
	CurrentState    string    `json:"currentState"`
	LastStateChange time.Time `json:"lastStateChange"`
	Complete        bool      `json:"complete"`
	Generation      uint64    `json:"generation"`
}

func (ins *Inspector) handleMachines(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	summaries := make([]machineSummary, 0)
	for _, id := range ins.registry.IDs() {
		m, ok := ins.registry.Get(id)
		if !ok {
			continue
		}
		summaries = append(summaries, machineSummary{
			ID:              m.ID(),
			Type:            m.Definition().Name,
			CurrentState:    m.CurrentState(),
			LastStateChange: m.LastStateChange(),
			Complete:        m.Complete(),
			Generation:      m.Generation(),
		})
	}
	ins.writeJSON(w, summaries)
}

func (ins *Inspector) handleMachine(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/machines/")
	if id == "" {
		http.Error(w, "machine id required", http.StatusBadRequest)
		return
	}
	m, ok := ins.registry.Get(id)
	if !ok {
		http.Error(w, "machine not resident", http.StatusNotFound)
		return
	}

	ins.writeJSON(w, struct {
		machineSummary
		History interface{} `json:"history"`
	}{
		machineSummary: machineSummary{
			ID:              m.ID(),
			Type:            m.Definition().Name,
			CurrentState:    m.CurrentState(),
			LastStateChange: m.LastStateChange(),
			Complete:        m.Complete(),
			Generation:      m.Generation(),
		},
		History: m.History(),
	})
}

func (ins *Inspector) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ins.writeJSON(w, map[string]interface{}{
		"residentMachines":     ins.registry.Count(),
		"droppedNotifications": ins.registry.DroppedNotifications(),
	})
}

func (ins *Inspector) writeJSON(w http.ResponseWriter, v interface{}) {
	data, err := core.JSONEncode(v)
	if err != nil {
		ins.logger.Errorf("encode inspector response: %v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
