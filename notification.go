package eventbus

import (
	"context"

	"github.com/coregx/eventbus/model"
)

// NotificationService defines an optional interface for sending notifications
// about consumer failures.
//
// Implementations might send emails, Slack messages, SMS, or log to monitoring systems.
// The system.dead_letter event is published regardless; this hook is for
// alerting channels outside the bus.
type NotificationService interface {
	// NotifyDeadLetter is called after an event exhausted its deliveries and
	// was handed to the dead-letter queue.
	NotifyDeadLetter(ctx context.Context, entry model.DeadLetter) error

	// NotifyHandlerFailure is called when a handler fails and the delivery will
	// be retried. This is informational and happens before dead-lettering.
	NotifyHandlerFailure(ctx context.Context, evt *model.Event, attempt int, err error) error
}

// NoOpNotificationService is a no-op implementation of NotificationService.
// Use this when notifications are not needed.
type NoOpNotificationService struct{}

// NotifyDeadLetter does nothing.
func (n *NoOpNotificationService) NotifyDeadLetter(_ context.Context, _ model.DeadLetter) error {
	return nil
}

// NotifyHandlerFailure does nothing.
func (n *NoOpNotificationService) NotifyHandlerFailure(_ context.Context, _ *model.Event, _ int, _ error) error {
	return nil
}

// LoggingNotificationService is a simple implementation that logs notifications.
type LoggingNotificationService struct {
	logger Logger
}

// NewLoggingNotificationService creates a new LoggingNotificationService.
func NewLoggingNotificationService(logger Logger) *LoggingNotificationService {
	return &LoggingNotificationService{logger: logger}
}

// NotifyDeadLetter logs the dead-letter entry.
func (n *LoggingNotificationService) NotifyDeadLetter(_ context.Context, entry model.DeadLetter) error {
	n.logger.Warnf("⚠️ Event dead-lettered: dead_letter_id=%d, event_id=%s, type=%s, retries=%d, error=%s",
		entry.ID, entry.EventID, entry.EventType, entry.RetryCount, entry.ErrorMessage)
	return nil
}

// NotifyHandlerFailure logs the handler failure.
func (n *LoggingNotificationService) NotifyHandlerFailure(_ context.Context, evt *model.Event, attempt int, err error) error {
	n.logger.Warnf("⚠️ Handler failed: event_id=%s, type=%s, attempt=%d, error=%v",
		evt.ID, evt.Type, attempt, err)
	return nil
}
