package outbox

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Publisher is satisfied by *kafka.Writer.
type Publisher interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Relay moves unprocessed outbox rows to Kafka.
type Relay struct {
	store    *Store
	pub      Publisher
	interval time.Duration
	batch    int
	log      *zap.SugaredLogger
}

func NewRelay(store *Store, pub Publisher, interval time.Duration, log *zap.SugaredLogger) *Relay {
	if interval <= 0 {
		interval = time.Second
	}
	return &Relay{store: store, pub: pub, interval: interval, batch: 100, log: log}
}

// Flush publishes one batch and returns how many events were sent.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	events, err := r.store.Poll(ctx, r.batch)
	if err != nil {
		r.log.Errorf("poll outbox: %v", err)
		return 0, err
	}
	sent := 0
	for _, evt := range events {
		msg := kafka.Message{
			Key:   []byte(evt.AggregateID),
			Value: []byte(evt.Payload),
			Time:  time.Now(),
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(evt.EventType)},
			},
		}
		if err := r.pub.WriteMessages(ctx, msg); err != nil {
			r.log.Errorf("publish id=%d: %v", evt.ID, err)
			continue
		}
		if err := r.store.MarkProcessed(ctx, evt.ID); err != nil {
			r.log.Errorf("mark processed id=%d: %v", evt.ID, err)
			continue
		}
		sent++
		r.log.Debugf("event %d sent", evt.ID)
	}
	return sent, nil
}

// Run flushes on every tick until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info("outbox relay started")
	for {
		select {
		case <-ctx.Done():
			r.log.Info("outbox relay stopped")
			return nil
		case <-ticker.C:
			_, _ = r.Flush(ctx)
		}
	}
}
