package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "notifbox/pkg/logx"
)

// TextConfig configures the HTTP SMS gateway.
//
// The gateway receives POST {from, to, text} as JSON with an optional
// bearer token. 2xx is success. 401, 403 and 404 mean the gateway itself is
// misconfigured and fail the whole batch with ErrNotConfigured. 429 and 5xx
// are retried. Any other 4xx rejects the number for good and is reported as
// ignored.
type TextConfig struct {
	URL         string
	Token       string
	From        string
	Timeout     time.Duration
	RatePerSec  float64
	Burst       int
	Concurrency int
	// MaxLength truncates bodies; 0 keeps them whole.
	MaxLength int
}

type textPayload struct {
	From string `json:"from,omitempty"`
	To   string `json:"to"`
	Text string `json:"text"`
}

type Text struct {
	log logx.Logger

	mu     sync.RWMutex
	cfg    TextConfig
	client *http.Client
	lim    *rate.Limiter
}

func NewText(cfg TextConfig, log logx.Logger) *Text {
	if log.IsZero() {
		log = logx.Nop()
	}
	t := &Text{log: log.With(logx.String("comp", "channel.text"))}
	t.Apply(cfg)
	return t
}

func (t *Text) Apply(cfg TextConfig) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	t.mu.Lock()
	t.cfg = cfg
	t.client = &http.Client{Timeout: timeout}
	t.lim = newLimiter(cfg.RatePerSec, cfg.Burst)
	t.mu.Unlock()
}

func (t *Text) Send(ctx context.Context, msgs []Message) (Result, error) {
	t.mu.RLock()
	cfg, client, lim := t.cfg, t.client, t.lim
	t.mu.RUnlock()

	if strings.TrimSpace(cfg.URL) == "" {
		return Result{}, fmt.Errorf("text: %w", ErrNotConfigured)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		once   sync.Once
		cfgErr error
	)
	res := fanOut(ctx, msgs, cfg.Concurrency, lim, func(ctx context.Context, m Message) outcome {
		o, err := t.post(ctx, client, cfg, m)
		if errors.Is(err, ErrNotConfigured) {
			// Every later request would hit the same wall.
			once.Do(func() {
				cfgErr = err
				cancel()
			})
			return o
		}
		if err != nil {
			t.log.Warn("text send failed", logx.String("to", m.To), logx.String("message", m.MessageID), logx.Err(err))
		}
		return o
	})
	if cfgErr != nil {
		t.log.Error("text gateway refused the request", logx.Err(cfgErr))
		return res, fmt.Errorf("text: %w", cfgErr)
	}
	return res, nil
}

func (t *Text) post(ctx context.Context, client *http.Client, cfg TextConfig, m Message) (outcome, error) {
	body := m.Body
	if cfg.MaxLength > 0 && len([]rune(body)) > cfg.MaxLength {
		body = string([]rune(body)[:cfg.MaxLength])
	}
	b, err := json.Marshal(textPayload{From: cfg.From, To: m.To, Text: body})
	if err != nil {
		return outcomeFailed, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(b))
	if err != nil {
		return outcomeFailed, err
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return outcomeFailed, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return outcomeSuccess, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound:
		return outcomeFailed, fmt.Errorf("gateway status %d: %w", resp.StatusCode, ErrNotConfigured)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return outcomeFailed, fmt.Errorf("gateway status %d", resp.StatusCode)
	default:
		return outcomeIgnored, fmt.Errorf("gateway rejected recipient: status %d", resp.StatusCode)
	}
}
