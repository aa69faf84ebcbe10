// Package monitor exposes process metrics via Prometheus and turns
// session-stopped/log events into operator-facing alerts.
package monitor

import (
	"context"
	"fmt"
	"log"

	"zenixcore/internal/events"
)

// Monitor watches the event bus and feeds Metrics plus an AlertSink. One
// instance per process; Start launches its subscriptions and returns
// immediately.
type Monitor struct {
	Bus     *events.Bus
	Metrics *Metrics
	Sink    AlertSink // optional; nil falls back to log.Printf
}

// Start subscribes to EventLogAppended and EventSessionStopped and
// keeps running until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil {
		log.Println("monitor: no event bus configured, skipping")
		return
	}

	logs, unsubLogs := m.Bus.Subscribe(events.EventLogAppended, 256)
	stopped, unsubStopped := m.Bus.Subscribe(events.EventSessionStopped, 64)

	go func() {
		defer unsubLogs()
		defer unsubStopped()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-logs:
				if !ok {
					logs = nil
					continue
				}
				m.handleLog(msg)
			case msg, ok := <-stopped:
				if !ok {
					stopped = nil
					continue
				}
				m.handleSessionStopped(msg)
			}
		}
	}()
}

func (m *Monitor) handleLog(msg any) {
	payload, ok := msg.(events.LogAppendedPayload)
	if !ok {
		return
	}
	if m.Metrics == nil {
		return
	}
	switch payload.Type {
	case "erro":
		m.Metrics.Errors.Inc()
		m.alert(fmt.Sprintf("user %s: %s", payload.UserID, payload.Message))
	case "alerta":
		m.alert(fmt.Sprintf("user %s: %s", payload.UserID, payload.Message))
	}
}

func (m *Monitor) handleSessionStopped(msg any) {
	payload, ok := msg.(events.SessionStoppedPayload)
	if !ok {
		return
	}
	if m.Metrics != nil {
		m.Metrics.SessionsStopped.WithLabelValues(payload.Status).Inc()
	}
	m.alert(fmt.Sprintf("session stopped for user %s: %s (%s)", payload.UserID, payload.Status, payload.Reason))
}

func (m *Monitor) alert(message string) {
	if m.Sink != nil {
		if err := m.Sink.Send(message); err != nil {
			log.Printf("monitor: alert sink: %v", err)
		}
		return
	}
	log.Printf("monitor: %s", message)
}
