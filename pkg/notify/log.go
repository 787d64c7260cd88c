package notify

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogNotifier writes notices to the log instead of delivering them. It is
// used when no email provider is configured.
type LogNotifier struct {
	logger logrus.FieldLogger
}

// NewLogNotifier creates a LogNotifier
func NewLogNotifier(logger logrus.FieldLogger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify implements billing.Notifier
func (n *LogNotifier) Notify(_ context.Context, accountID int64, templateKey string, data map[string]any) error {
	msg, err := render(templateKey, data)
	if err != nil {
		return err
	}
	n.logger.WithFields(logrus.Fields{
		"account_id": accountID,
		"template":   templateKey,
		"subject":    msg.Subject,
	}).Info("Notification")
	return nil
}
