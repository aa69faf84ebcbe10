package monitor

import "log"

// AlertSink is pluggable alert delivery. An operator wires in whatever
// transport fits (webhook, email, paging system); LogAlertSink is the
// built-in default.
type AlertSink interface {
	Send(message string) error
}

// LogAlertSink writes alerts to the standard logger. Used when no
// external alert transport is configured.
type LogAlertSink struct{}

func (LogAlertSink) Send(message string) error {
	log.Printf("alert: %s", message)
	return nil
}
