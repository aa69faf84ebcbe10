package events

// Event enumerates high-level topics inside the orchestrator.
type Event string

const (
	EventPriceTick            Event = "price_tick"
	EventOrderUpdate          Event = "order_update"
	EventStrategySignal       Event = "strategy_signal"
	EventRiskAlert            Event = "risk_alert"
	EventPositionChange       Event = "position_change"
	EventOrderSubmitted       Event = "order.submitted"
	EventOrderAccepted        Event = "order.accepted"
	EventOrderRejected        Event = "order.rejected"
	EventOrderFilled          Event = "order.filled"
	EventOrderPartiallyFilled Event = "order.partially_filled"

	// EventLogAppended carries every LogEntry the strategy runtime emits
	// (tick/analise/sinal/operacao/resultado/alerta/erro), for the ops
	// per-user log-stream websocket.
	EventLogAppended Event = "log.appended"
	// EventSessionStopped fires whenever the Risk Controller transitions
	// a session to a stopped_* status; internal/monitor counts it and
	// forwards it to its alert sink.
	EventSessionStopped Event = "session.stopped"
)

// LogAppendedPayload is published on EventLogAppended.
type LogAppendedPayload struct {
	UserID    string
	Type      string
	Message   string
	Timestamp int64
}

// SessionStoppedPayload is published on EventSessionStopped.
type SessionStoppedPayload struct {
	UserID string
	Status string
	Reason string
}
