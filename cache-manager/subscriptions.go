package cachemanager

import (
	"context"

	"go.uber.org/zap"

	"github.com/o-tero/tiered-cache/pkg/models"
	"github.com/o-tero/tiered-cache/pkg/pubsub"
)

// InvalidationTopic is the topic type the coordinator publishes to.
type InvalidationTopic = pubsub.Topic[pubsub.InvalidationEvent]

func tierNames(tiers []Tier) []string {
	names := make([]string, len(tiers))
	for i, t := range tiers {
		names[i] = t.Kind().String()
	}
	return names
}

func (c *Coordinator) publishInvalidation(ctx context.Context, event pubsub.InvalidationEvent) {
	if c.invalidations == nil {
		return
	}
	event.Version = pubsub.EventVersion1
	event.Source = c.source
	event.TriggeredAt = c.now()
	if err := event.Validate(); err != nil {
		c.logger.Warn("dropping malformed invalidation event", zap.Error(err))
		return
	}
	c.invalidations.Publish(ctx, event)
}

// HandleInvalidateEvent applies an invalidation raised by another coordinator
// sharing the remote tier. Only the memory tier is touched since it is the
// one copy private to this process. Events from this coordinator are ignored.
func (c *Coordinator) HandleInvalidateEvent(ctx context.Context, event pubsub.InvalidationEvent) error {
	if event.Source == c.source {
		return nil
	}
	if err := event.Validate(); err != nil {
		return err
	}

	mem, ok := c.byKind[models.TierMemory]
	if !ok {
		return nil
	}

	if event.Cleared {
		return mem.Clear(ctx)
	}
	for _, key := range event.Keys {
		if _, err := mem.Delete(ctx, key); err != nil {
			return err
		}
	}
	if event.Pattern != "" {
		if pd, ok := mem.(PatternDeleter); ok {
			if _, err := pd.DeletePattern(ctx, event.Pattern); err != nil {
				return err
			}
		}
	}
	c.logger.Debug("applied remote invalidation",
		zap.String("source", event.Source),
		zap.Int("keys", len(event.Keys)),
		zap.String("pattern", event.Pattern))
	return nil
}
