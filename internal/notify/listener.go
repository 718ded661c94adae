package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/duelpool/duelpool/internal/domain"
)

// eventsChannel is the pub/sub channel the escrow engine publishes to.
const eventsChannel = "markets"

// Listener consumes market lifecycle events from the signal bus and turns
// them into operator notifications.
type Listener struct {
	bus      domain.SignalBus
	notifier *Notifier
	logger   *slog.Logger
}

// NewListener creates a Listener bridging the given bus to the notifier.
func NewListener(bus domain.SignalBus, notifier *Notifier, logger *slog.Logger) *Listener {
	return &Listener{
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "notify_listener")),
	}
}

// Run subscribes to the events channel and dispatches notifications until the
// context is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	msgCh, err := l.bus.Subscribe(ctx, eventsChannel)
	if err != nil {
		return fmt.Errorf("notify: subscribe %s: %w", eventsChannel, err)
	}

	l.logger.Info("listening for market events", slog.String("channel", eventsChannel))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-msgCh:
			if !ok {
				return nil
			}
			l.handle(ctx, data)
		}
	}
}

func (l *Listener) handle(ctx context.Context, data []byte) {
	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		l.logger.WarnContext(ctx, "malformed event payload",
			slog.String("error", err.Error()),
		)
		return
	}

	event, _ := payload["event"].(string)
	title, message := formatEvent(event, payload)
	if title == "" {
		return
	}

	if err := l.notifier.Notify(ctx, event, title, message); err != nil {
		l.logger.WarnContext(ctx, "notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// formatEvent renders an event payload into a notification. Events without a
// rendering return an empty title and are skipped.
func formatEvent(event string, payload map[string]any) (title, message string) {
	topic, _ := payload["topic"].(string)

	switch event {
	case "market_opened":
		return "Market opened", fmt.Sprintf("Topic %q is open for staking until %v.", topic, payload["deadline"])
	case "market_settled":
		return "Market settled", fmt.Sprintf(
			"Topic %q settled. Winner: side %v, fee: %v (pools %v / %v).",
			topic, payload["winner"], payload["fee"], payload["pool_a"], payload["pool_b"],
		)
	case "reward_claimed":
		return "Reward claimed", fmt.Sprintf(
			"%v claimed %v from topic %q.",
			payload["owner"], payload["reward"], topic,
		)
	default:
		return "", ""
	}
}
