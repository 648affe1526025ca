package notify

import (
	"context"
	"fmt"
	"sync"

	"notifbox/internal/notify/model"
	"notifbox/internal/storage"
)

// ---- message factory ----

// LoadRequest is handed to a MessageFactory once per dispatch attempt.
// Box is nil when the message proceeds without a registry.
type LoadRequest struct {
	Message *model.Notification
	Box     *model.Box
	Type    TypeConfig
}

// Rendered is the per-recipient content for one channel. Skip drops the
// recipient for this channel without retry.
type Rendered struct {
	Subject string
	Body    string
	HTML    string
	Skip    bool
}

type RenderFunc func(ch model.Channel, r Resolved) (Rendered, error)

// Loaded is what a factory returns: a renderer plus optional global recipients.
type Loaded struct {
	Render RenderFunc
	Global []model.ExplicitRecipient
}

type MessageFactory interface {
	Load(ctx context.Context, req LoadRequest) (*Loaded, error)
}

type FactoryFunc func(ctx context.Context, req LoadRequest) (*Loaded, error)

func (f FactoryFunc) Load(ctx context.Context, req LoadRequest) (*Loaded, error) { return f(ctx, req) }

// ---- registry template callback ----

// TemplateResult is the outcome of a registry template callback. It is one
// of ApplyTemplate, InvalidTemplate or DeleteTemplate.
type TemplateResult interface{ isTemplateResult() }

// RecipientSeed is an entry the template wants present in a new registry.
type RecipientSeed struct {
	UserID string
	model.Contact
	Config model.TypeConfig
	Locked bool
}

// ApplyTemplate initializes the registry with the given entries.
type ApplyTemplate struct {
	Recipients []RecipientSeed
}

// InvalidTemplate flags the registry invalid.
type InvalidTemplate struct{}

// DeleteTemplate deletes the registry.
type DeleteTemplate struct{}

func (ApplyTemplate) isTemplateResult()   {}
func (InvalidTemplate) isTemplateResult() {}
func (DeleteTemplate) isTemplateResult()  {}

// Templater builds registry templates. Implementations must be idempotent.
type Templater interface {
	Template(ctx context.Context, target model.TargetRef) (TemplateResult, error)
}

type TemplaterFunc func(ctx context.Context, target model.TargetRef) (TemplateResult, error)

func (f TemplaterFunc) Template(ctx context.Context, target model.TargetRef) (TemplateResult, error) {
	return f(ctx, target)
}

// emptyTemplater initializes every registry with no entries.
type emptyTemplater struct{}

func (emptyTemplater) Template(context.Context, model.TargetRef) (TemplateResult, error) {
	return ApplyTemplate{}, nil
}

// StaticTemplater serves fixed results per target, falling back to Default.
// It backs configuration-driven setups and tests.
type StaticTemplater struct {
	mu      sync.RWMutex
	results map[model.TargetRef]TemplateResult
	Default TemplateResult
}

func (s *StaticTemplater) Set(target model.TargetRef, r TemplateResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.results == nil {
		s.results = map[model.TargetRef]TemplateResult{}
	}
	s.results[target] = r
}

func (s *StaticTemplater) Template(ctx context.Context, target model.TargetRef) (TemplateResult, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.results[target]; ok {
		return r, nil
	}
	if s.Default != nil {
		return s.Default, nil
	}
	return ApplyTemplate{}, nil
}

// ---- profiles ----

// ProfileSource returns contact details of system users.
type ProfileSource interface {
	Profiles(ctx context.Context, userIDs []string) (map[string]model.Contact, error)
}

// StoreProfiles reads profiles from the profiles collection.
type StoreProfiles struct{ Store storage.Store }

func (p StoreProfiles) Profiles(ctx context.Context, userIDs []string) (map[string]model.Contact, error) {
	out := make(map[string]model.Contact, len(userIDs))
	for _, id := range userIDs {
		var c model.Contact
		ok, err := p.Store.Get(ctx, model.CollProfiles, id, &c)
		if err != nil {
			return nil, fmt.Errorf("profile %s: %w", id, err)
		}
		if ok {
			out[id] = c
		}
	}
	return out, nil
}
