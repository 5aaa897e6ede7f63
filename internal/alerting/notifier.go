package alerting

import "log/slog"

// Notifier delivers an alert to an external channel. Delivery is
// best-effort; the engine logs failures and moves on.
type Notifier interface {
	Notify(alert Alert) error
}

// LogNotifier writes alerts to the structured log. It backs deployments
// that run without a message bus.
type LogNotifier struct {
	Log *slog.Logger
}

func (n *LogNotifier) Notify(alert Alert) error {
	n.Log.Info("alert notification",
		slog.String("alert_id", alert.ID),
		slog.String("type", string(alert.Type)),
		slog.String("severity", string(alert.Severity)),
		slog.String("service", alert.Service),
		slog.String("message", alert.Message))
	return nil
}
