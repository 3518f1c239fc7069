// Package telemetry runs the coordinator's debug/profiling surface,
// separate from the public HTTP API so it can be firewalled off or disabled
// without touching client traffic.
package telemetry

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"time"

	"github.com/lyzr/tabcoord/internal/coordlog"
)

// Telemetry owns the pprof listener and exposes helpers for timing and
// event logging; no component calls these helpers.
type Telemetry struct {
	log       *coordlog.Logger
	pprofAddr string
}

// New creates a Telemetry bound to localhost:pprofPort.
func New(pprofPort int, log *coordlog.Logger) *Telemetry {
	return &Telemetry{
		log:       log,
		pprofAddr: fmt.Sprintf("localhost:%d", pprofPort),
	}
}

// Start launches the pprof server in the background. It returns
// immediately; listener errors are logged, not returned, since a failed
// debug endpoint should never take the coordinator down.
func (t *Telemetry) Start() {
	go func() {
		t.log.Info("pprof listening", "addr", t.pprofAddr)
		if err := http.ListenAndServe(t.pprofAddr, nil); err != nil {
			t.log.Error("pprof server stopped", "error", err)
		}
	}()
}

// RecordDuration logs how long an operation took since start.
func (t *Telemetry) RecordDuration(operation string, start time.Time) {
	t.log.Debug("operation completed", "operation", operation, "duration_ms", time.Since(start).Milliseconds())
}

// RecordEvent logs a structured telemetry event.
func (t *Telemetry) RecordEvent(event string, attrs map[string]any) {
	t.log.Info("telemetry_event", "event", event, "attrs", attrs)
}
