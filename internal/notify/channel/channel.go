// Package channel holds the delivery services behind each notification
// channel: email (SMTP or Resend), text (HTTP SMS gateway) and the
// store-backed summary feed.
package channel

import (
	"context"
	"errors"
	"sort"
	"sync"

	"golang.org/x/time/rate"

	"notifbox/internal/notify/model"
)

// ErrNotConfigured marks a configuration-level failure. The dispatcher maps
// it to the config-error state instead of send-error.
var ErrNotConfigured = errors.New("channel not configured")

// Message is one rendered delivery for one recipient.
type Message struct {
	Channel model.Channel
	// To is the normalized channel identity (address, phone digits, summary id).
	To        string
	Contact   model.Contact
	UserID    string
	MessageID string
	BoxID     string
	Content   model.ContentItem

	Subject string
	Body    string
	HTML    string
}

// Result partitions the identities of a batch.
// Ignored identities were dropped on purpose and must not be retried.
type Result struct {
	Success []string
	Failed  []string
	Ignored []string
}

func (r Result) Len() int { return len(r.Success) + len(r.Failed) + len(r.Ignored) }

// Service delivers a batch for one channel. A returned error means the batch
// failed; wrap ErrNotConfigured for configuration problems. Success and
// Ignored identities returned next to an error are still honored, and every
// other identity of the batch counts as failed.
type Service interface {
	Send(ctx context.Context, msgs []Message) (Result, error)
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailed
	outcomeIgnored
)

// fanOut sends msgs with bounded concurrency and an optional rate limiter.
// Messages still waiting when ctx ends are reported as failed.
func fanOut(ctx context.Context, msgs []Message, concurrency int, lim *rate.Limiter, send func(context.Context, Message) outcome) Result {
	if concurrency <= 0 {
		concurrency = 1
	}
	var (
		mu  sync.Mutex
		res Result
		wg  sync.WaitGroup
		sem = make(chan struct{}, concurrency)
	)
	record := func(to string, o outcome) {
		mu.Lock()
		defer mu.Unlock()
		switch o {
		case outcomeSuccess:
			res.Success = append(res.Success, to)
		case outcomeIgnored:
			res.Ignored = append(res.Ignored, to)
		default:
			res.Failed = append(res.Failed, to)
		}
	}

	for _, m := range msgs {
		if m.To == "" {
			record(m.To, outcomeIgnored)
			continue
		}
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				record(m.To, outcomeFailed)
				continue
			}
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			record(m.To, outcomeFailed)
			continue
		}
		wg.Add(1)
		go func(m Message) {
			defer wg.Done()
			defer func() { <-sem }()
			record(m.To, send(ctx, m))
		}(m)
	}
	wg.Wait()

	sort.Strings(res.Success)
	sort.Strings(res.Failed)
	sort.Strings(res.Ignored)
	return res
}

func newLimiter(perSec float64, burst int) *rate.Limiter {
	if perSec <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSec), burst)
}
