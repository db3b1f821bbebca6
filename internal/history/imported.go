package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// maxImportedPerEvent keeps import events well under the NATS payload limit.
const maxImportedPerEvent = 5000

// ImportedEvent is the payload of a kestrel.history.imported message.
type ImportedEvent struct {
	CustomerIDs []string `json:"customer_ids"`
}

// Follow applies import events published by other processes, so customers
// loaded after the last filter refresh are admitted without waiting for
// the next one. Each id is added to the known-customer filter and its
// cached record dropped.
func (s *Service) Follow(ctx context.Context, bus domain.EventBus) (domain.Subscription, error) {
	return bus.Subscribe(ctx, domain.TopicHistoryImported, func(ctx context.Context, msg *domain.Message) error {
		var ev ImportedEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return fmt.Errorf("decode import event %s: %w", msg.ID, err)
		}

		var errs []error
		for _, id := range ev.CustomerIDs {
			if err := s.Invalidate(ctx, id); err != nil {
				errs = append(errs, fmt.Errorf("invalidate %s: %w", id, err))
			}
		}
		slog.Debug("history import applied",
			"message_id", msg.ID,
			"customers", len(ev.CustomerIDs),
		)
		return errors.Join(errs...)
	})
}

// PublishImported announces imported customers in events of at most
// batch ids. A batch <= 0 uses the default event size.
func PublishImported(ctx context.Context, bus domain.EventBus, ids []string, batch int) error {
	if batch <= 0 || batch > maxImportedPerEvent {
		batch = maxImportedPerEvent
	}
	for start := 0; start < len(ids); start += batch {
		end := min(start+batch, len(ids))
		payload, err := json.Marshal(ImportedEvent{CustomerIDs: ids[start:end]})
		if err != nil {
			return fmt.Errorf("encode import event: %w", err)
		}
		if err := bus.Publish(ctx, domain.TopicHistoryImported, payload); err != nil {
			return fmt.Errorf("publish import event: %w", err)
		}
	}
	return nil
}
