package notification

import (
	"context"
	"log/slog"
	"time"
)

const (
	// KindSavingSuccessful is raised once per successful deposit.
	KindSavingSuccessful = "saving_successful"
	// KindSavingWithdrawn is raised when an account withdraws its savings.
	KindSavingWithdrawn = "saving_withdrawn"
	// KindSavingTransferred is raised when savings move between accounts.
	KindSavingTransferred = "saving_transferred"
)

// Message describes a ledger event delivered to downstream systems.
type Message struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	Account      string    `json:"account"`
	Counterparty string    `json:"counterparty,omitempty"`
	Amount       string    `json:"amount"`
	Body         string    `json:"body,omitempty"`
	At           time.Time `json:"at"`
}

// Notifier delivers notifications to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier writes notifications to the structured logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("notification",
		slog.String("id", message.ID),
		slog.String("kind", message.Kind),
		slog.String("account", message.Account),
		slog.String("counterparty", message.Counterparty),
		slog.String("amount", message.Amount),
	)
	return nil
}

// Multi fans a message out to every notifier and returns the first error.
type Multi []Notifier

// Send delivers to all notifiers even if some fail.
func (m Multi) Send(ctx context.Context, message Message) error {
	var first error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Send(ctx, message); err != nil && first == nil {
			first = err
		}
	}
	return first
}
