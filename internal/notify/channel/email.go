package channel

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/resend/resend-go/v2"
	"golang.org/x/time/rate"
	"gopkg.in/gomail.v2"

	logx "notifbox/pkg/logx"
)

// EmailConfig selects and configures the email driver.
//
// Driver values: "smtp" (gomail), "resend" (Resend HTTP API).
// An empty driver leaves the channel unconfigured.
type EmailConfig struct {
	Driver      string
	From        string
	RatePerSec  float64
	Burst       int
	Concurrency int

	SMTP   SMTPConfig
	Resend ResendConfig
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
}

type ResendConfig struct {
	APIKey string
	// BaseURL overrides the API endpoint (tests, proxies).
	BaseURL string
}

// mailer is the driver seam. Open returns a session used for one batch.
type mailer interface {
	Open(ctx context.Context) (mailSession, error)
}

type mailSession interface {
	Send(ctx context.Context, from string, m Message) error
	Close() error
}

// Email is the email channel service.
type Email struct {
	log logx.Logger

	mu   sync.RWMutex
	cfg  EmailConfig
	mail mailer
	lim  *rate.Limiter
}

func NewEmail(cfg EmailConfig, log logx.Logger) *Email {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Email{log: log.With(logx.String("comp", "channel.email"))}
	e.Apply(cfg)
	return e
}

// Apply swaps driver settings at runtime.
func (e *Email) Apply(cfg EmailConfig) {
	var m mailer
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "smtp":
		if cfg.SMTP.Host != "" {
			m = smtpMailer{cfg: cfg.SMTP}
		}
	case "resend":
		if cfg.Resend.APIKey != "" {
			m = newResendMailer(cfg.Resend)
		}
	}
	e.mu.Lock()
	e.cfg = cfg
	e.mail = m
	e.lim = newLimiter(cfg.RatePerSec, cfg.Burst)
	e.mu.Unlock()
}

func (e *Email) Send(ctx context.Context, msgs []Message) (Result, error) {
	e.mu.RLock()
	cfg, m, lim := e.cfg, e.mail, e.lim
	e.mu.RUnlock()

	if m == nil || strings.TrimSpace(cfg.From) == "" {
		return Result{}, fmt.Errorf("email: %w", ErrNotConfigured)
	}
	sess, err := m.Open(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("email: open session: %w", err)
	}
	defer sess.Close()

	res := fanOut(ctx, msgs, cfg.Concurrency, lim, func(ctx context.Context, msg Message) outcome {
		if err := sess.Send(ctx, cfg.From, msg); err != nil {
			e.log.Warn("email send failed", logx.String("to", msg.To), logx.String("message", msg.MessageID), logx.Err(err))
			return outcomeFailed
		}
		return outcomeSuccess
	})
	e.log.Debug("email batch sent",
		logx.Int("success", len(res.Success)),
		logx.Int("failed", len(res.Failed)),
		logx.Int("ignored", len(res.Ignored)),
	)
	return res, nil
}

// ---- smtp (gomail) ----

type smtpMailer struct{ cfg SMTPConfig }

func (s smtpMailer) Open(ctx context.Context) (mailSession, error) {
	_ = ctx
	port := s.cfg.Port
	if port == 0 {
		port = 587
	}
	d := gomail.NewDialer(s.cfg.Host, port, s.cfg.Username, s.cfg.Password)
	sc, err := d.Dial()
	if err != nil {
		return nil, err
	}
	return &smtpSession{sc: sc}, nil
}

// smtpSession serializes sends over one SMTP connection.
type smtpSession struct {
	mu sync.Mutex
	sc gomail.SendCloser
}

func (s *smtpSession) Send(ctx context.Context, from string, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := gomail.NewMessage()
	msg.SetHeader("From", from)
	if m.Contact.Name != "" {
		msg.SetAddressHeader("To", m.To, m.Contact.Name)
	} else {
		msg.SetHeader("To", m.To)
	}
	msg.SetHeader("Subject", m.Subject)
	msg.SetBody("text/plain", m.Body)
	if m.HTML != "" {
		msg.AddAlternative("text/html", m.HTML)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return gomail.Send(s.sc, msg)
}

func (s *smtpSession) Close() error { return s.sc.Close() }

// ---- resend ----

type resendMailer struct{ client *resend.Client }

func newResendMailer(cfg ResendConfig) resendMailer {
	c := resend.NewClient(cfg.APIKey)
	if cfg.BaseURL != "" {
		if u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/"); err == nil {
			c.BaseURL = u
		}
	}
	return resendMailer{client: c}
}

func (r resendMailer) Open(ctx context.Context) (mailSession, error) {
	_ = ctx
	return r, nil
}

func (r resendMailer) Send(ctx context.Context, from string, m Message) error {
	req := &resend.SendEmailRequest{
		From:    from,
		To:      []string{m.To},
		Subject: m.Subject,
		Text:    m.Body,
		Html:    m.HTML,
	}
	_, err := r.client.Emails.SendWithContext(ctx, req)
	return err
}

func (r resendMailer) Close() error { return nil }
