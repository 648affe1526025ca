package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"notifbox/internal/notify/model"
	"notifbox/internal/storage"
	logx "notifbox/pkg/logx"
)

func TestText_PartitionsByGatewayStatus(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		seen []textPayload
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("auth header = %q", got)
		}
		var p textPayload
		_ = json.NewDecoder(r.Body).Decode(&p)
		mu.Lock()
		seen = append(seen, p)
		mu.Unlock()
		switch p.To {
		case "111":
			w.WriteHeader(http.StatusOK)
		case "222":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	svc := NewText(TextConfig{URL: srv.URL, Token: "tok", From: "notif", Concurrency: 2, MaxLength: 5}, logx.Nop())
	res, err := svc.Send(context.Background(), []Message{
		{Channel: model.ChannelText, To: "111", Body: "hello world"},
		{Channel: model.ChannelText, To: "222", Body: "x"},
		{Channel: model.ChannelText, To: "333", Body: "y"},
		{Channel: model.ChannelText, To: "", Body: "z"},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if strings.Join(res.Success, ",") != "111" || strings.Join(res.Failed, ",") != "222" {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Ignored) != 2 {
		t.Fatalf("ignored = %v, want 333 and the empty identity", res.Ignored)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Fatalf("gateway saw %d requests, want 3", len(seen))
	}
	for _, p := range seen {
		if p.To == "111" && p.Text != "hello" {
			t.Fatalf("body not truncated: %q", p.Text)
		}
	}
}

func TestText_UnconfiguredReturnsErrNotConfigured(t *testing.T) {
	t.Parallel()
	_, err := NewText(TextConfig{}, logx.Nop()).Send(context.Background(), []Message{{To: "1"}})
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v", err)
	}
}

func TestText_GatewayAuthFailureIsNotConfigured(t *testing.T) {
	t.Parallel()
	for _, code := range []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))
		svc := NewText(TextConfig{URL: srv.URL, Token: "expired", Concurrency: 1}, logx.Nop())
		res, err := svc.Send(context.Background(), []Message{
			{Channel: model.ChannelText, To: "111", Body: "a"},
			{Channel: model.ChannelText, To: "222", Body: "b"},
		})
		srv.Close()
		if !errors.Is(err, ErrNotConfigured) {
			t.Fatalf("status %d: err = %v", code, err)
		}
		if len(res.Ignored) != 0 || len(res.Success) != 0 {
			t.Fatalf("status %d: result = %+v", code, res)
		}
	}
}

type fakeMailer struct {
	openErr error
	fail    map[string]bool

	mu   sync.Mutex
	sent []string
}

func (f *fakeMailer) Open(ctx context.Context) (mailSession, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return f, nil
}

func (f *fakeMailer) Send(ctx context.Context, from string, m Message) error {
	if f.fail[m.To] {
		return errors.New("mailbox unavailable")
	}
	f.mu.Lock()
	f.sent = append(f.sent, m.To)
	f.mu.Unlock()
	return nil
}

func (f *fakeMailer) Close() error { return nil }

func TestEmail_SendPartitions(t *testing.T) {
	t.Parallel()

	e := NewEmail(EmailConfig{From: "noreply@example.com", Concurrency: 3}, logx.Nop())
	fm := &fakeMailer{fail: map[string]bool{"b@x.io": true}}
	e.mail = fm

	res, err := e.Send(context.Background(), []Message{{To: "a@x.io"}, {To: "b@x.io"}, {To: "c@x.io"}})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if strings.Join(res.Success, ",") != "a@x.io,c@x.io" || strings.Join(res.Failed, ",") != "b@x.io" {
		t.Fatalf("result = %+v", res)
	}
}

func TestEmail_SessionErrorFailsBatch(t *testing.T) {
	t.Parallel()

	e := NewEmail(EmailConfig{From: "noreply@example.com"}, logx.Nop())
	e.mail = &fakeMailer{openErr: errors.New("dial tcp: refused")}
	if _, err := e.Send(context.Background(), []Message{{To: "a@x.io"}}); err == nil || errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v, want transport error", err)
	}
}

func TestEmail_NoDriverIsNotConfigured(t *testing.T) {
	t.Parallel()

	for _, cfg := range []EmailConfig{
		{},
		{Driver: "smtp", From: "x@y.z"},
		{Driver: "resend", From: "x@y.z"},
		{Driver: "resend", Resend: ResendConfig{APIKey: "k"}},
	} {
		_, err := NewEmail(cfg, logx.Nop()).Send(context.Background(), []Message{{To: "a@x.io"}})
		if !errors.Is(err, ErrNotConfigured) {
			t.Fatalf("cfg %+v: err = %v", cfg, err)
		}
	}
}

func TestSummary_CreatesFeedAndSkipsInvalid(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory(storage.Config{})

	if err := st.RunTx(ctx, func(tx storage.Tx) error {
		return tx.Set(model.CollSummaries, "blocked", model.Summary{ID: "blocked", Invalid: true})
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	svc := NewSummary(st, logx.Nop())
	content := model.ContentItem{ID: "m1", Type: "comment"}
	res, err := svc.Send(ctx, []Message{
		{To: "u1", UserID: "u1", MessageID: "m1", BoxID: "b", Content: content},
		{To: "blocked", MessageID: "m1", Content: content},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if strings.Join(res.Success, ",") != "u1" || strings.Join(res.Ignored, ",") != "blocked" {
		t.Fatalf("result = %+v", res)
	}

	var sum model.Summary
	if ok, _ := st.Get(ctx, model.CollSummaries, "u1", &sum); !ok {
		t.Fatalf("summary not created")
	}
	if !sum.NeedsInit || sum.Model != model.UserTarget("u1") || len(sum.Items) != 1 {
		t.Fatalf("summary = %+v", sum)
	}

	// Redelivery of the same message is idempotent.
	if _, err := svc.Send(ctx, []Message{{To: "u1", UserID: "u1", MessageID: "m1", Content: content}}); err != nil {
		t.Fatalf("resend: %v", err)
	}
	_, _ = st.Get(ctx, model.CollSummaries, "u1", &sum)
	if len(sum.Items) != 1 {
		t.Fatalf("items = %d after redelivery", len(sum.Items))
	}
}
