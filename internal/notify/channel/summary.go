package channel

import (
	"context"
	"time"

	"notifbox/internal/notify/model"
	"notifbox/internal/storage"
	logx "notifbox/pkg/logx"
)

// Summary appends delivered content to each recipient's summary feed.
// Missing feeds are created in needs-init state; feeds flagged invalid are
// reported as ignored.
type Summary struct {
	store storage.Store
	log   logx.Logger
	now   func() time.Time
}

func NewSummary(store storage.Store, log logx.Logger) *Summary {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Summary{store: store, log: log.With(logx.String("comp", "channel.summary")), now: time.Now}
}

func (s *Summary) Send(ctx context.Context, msgs []Message) (Result, error) {
	if s.store == nil {
		return Result{}, ErrNotConfigured
	}
	return fanOut(ctx, msgs, 1, nil, func(ctx context.Context, m Message) outcome {
		o, err := s.push(ctx, m)
		if err != nil {
			s.log.Warn("summary push failed", logx.String("summary", m.To), logx.String("message", m.MessageID), logx.Err(err))
		}
		return o
	}), nil
}

func (s *Summary) push(ctx context.Context, m Message) (outcome, error) {
	now := s.now()
	o := outcomeSuccess
	err := s.store.RunTx(ctx, func(tx storage.Tx) error {
		o = outcomeSuccess
		var sum model.Summary
		ok, err := tx.Get(model.CollSummaries, m.To, &sum)
		if err != nil {
			return err
		}
		if !ok {
			target := model.TargetRef{Collection: model.CollSummaries, ID: m.To}
			if m.UserID != "" && m.UserID == m.To {
				target = model.UserTarget(m.UserID)
			}
			sum = model.Summary{ID: m.To, Model: target, CreatedAt: now.UnixMilli(), NeedsInit: true}
		}
		if sum.Invalid {
			o = outcomeIgnored
			return nil
		}
		sum.Push(now, model.SummaryItem{MessageID: m.MessageID, BoxID: m.BoxID, Content: m.Content, At: now.UnixMilli()})
		return tx.Set(model.CollSummaries, sum.ID, &sum)
	})
	if err != nil {
		return outcomeFailed, err
	}
	return o, nil
}
