package bus

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/skier233/Stash-AIServer-sub000/internal/recent"
)

// Publisher is the slice of the NATS client the outcome publisher needs.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Outcomes fans terminal outcome records out on a subject. Publish failures
// are logged and never reach the caller.
type Outcomes struct {
	pub     Publisher
	subject string
	log     *slog.Logger
}

func NewOutcomes(pub Publisher, subject string, logger *slog.Logger) *Outcomes {
	if logger == nil {
		logger = slog.Default()
	}
	return &Outcomes{pub: pub, subject: subject, log: logger.With("component", "bus")}
}

// Observe has the shape of a recent.Cache observer.
func (o *Outcomes) Observe(rec recent.Record) {
	if o == nil || o.pub == nil {
		return
	}
	if err := o.pub.PublishJSON(o.subject, rec); err != nil {
		o.log.Warn("publish outcome", "subject", o.subject, "task_id", rec.TaskID, "err", err)
	}
}

// DecodeOutcome parses one record published by Observe.
func DecodeOutcome(data []byte) (recent.Record, error) {
	var rec recent.Record
	err := json.Unmarshal(data, &rec)
	return rec, err
}

// Tail calls fn with every outcome published on subject until ctx is done.
// Undecodable payloads are logged and skipped.
func Tail(ctx context.Context, c *Client, subject string, logger *slog.Logger, fn func(recent.Record)) error {
	if logger == nil {
		logger = slog.Default()
	}
	sub, err := c.SubscribeJSON(subject, func(_ context.Context, data []byte) {
		rec, err := DecodeOutcome(data)
		if err != nil {
			logger.Warn("skipping malformed outcome", "err", err)
			return
		}
		fn(rec)
	})
	if err != nil {
		return err
	}
	<-ctx.Done()
	return sub.Unsubscribe()
}
