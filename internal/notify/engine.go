package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"notifbox/internal/eventbus"
	"notifbox/internal/notify/channel"
	"notifbox/internal/notify/model"
	"notifbox/internal/storage"
	logx "notifbox/pkg/logx"
)

// Options wires the engine's collaborators. Store is required.
type Options struct {
	Store     storage.Store
	Log       logx.Logger
	Bus       eventbus.Bus
	Metrics   Metrics
	Templater Templater
	Profiles  ProfileSource
	Channels  map[model.Channel]channel.Service
	Factories map[string]MessageFactory
	Now       func() time.Time
}

// Engine is the notification fan-out engine: message dispatch, recipient
// resolution, registry initialization, config sync and archival.
type Engine struct {
	log       logx.Logger
	store     storage.Store
	bus       eventbus.Bus
	metrics   Metrics
	templater Templater
	profiles  ProfileSource
	now       func() time.Time

	mu        sync.RWMutex
	cfg       Config
	channels  map[model.Channel]channel.Service
	factories map[string]MessageFactory
}

func New(cfg Config, opt Options) (*Engine, error) {
	if opt.Store == nil {
		return nil, errors.New("notify: store is required")
	}
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{
		log:       log.With(logx.String("comp", "notify")),
		store:     opt.Store,
		bus:       opt.Bus,
		metrics:   opt.Metrics,
		templater: opt.Templater,
		profiles:  opt.Profiles,
		now:       opt.Now,
		cfg:       cfg.withDefaults(),
		channels:  map[model.Channel]channel.Service{},
		factories: map[string]MessageFactory{},
	}
	if e.metrics == nil {
		e.metrics = nopMetrics{}
	}
	if e.templater == nil {
		e.templater = emptyTemplater{}
	}
	if e.profiles == nil {
		e.profiles = StoreProfiles{Store: opt.Store}
	}
	if e.now == nil {
		e.now = time.Now
	}
	for ch, svc := range opt.Channels {
		e.channels[ch] = svc
	}
	for typ, f := range opt.Factories {
		e.factories[typ] = f
	}
	return e, nil
}

// Apply swaps the engine configuration at runtime.
func (e *Engine) Apply(cfg Config) {
	e.mu.Lock()
	e.cfg = cfg.withDefaults()
	e.mu.Unlock()
}

func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// RegisterFactory binds a message factory to a template type.
func (e *Engine) RegisterFactory(templateType string, f MessageFactory) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if f == nil {
		delete(e.factories, templateType)
		return
	}
	e.factories[templateType] = f
}

// SetChannel registers (or with nil, removes) a channel service.
func (e *Engine) SetChannel(ch model.Channel, svc channel.Service) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if svc == nil {
		delete(e.channels, ch)
		return
	}
	e.channels[ch] = svc
}

func (e *Engine) channel(ch model.Channel) channel.Service {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.channels[ch]
}

// factoryFor returns the factory and type config for a template type.
// A configured type without a registered factory uses text templates.
func (e *Engine) factoryFor(typ string) (f MessageFactory, tc TypeConfig, configured bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	tc, configured = e.cfg.Types[typ]
	f = e.factories[typ]
	if f == nil && configured {
		f = templateFactory{}
	}
	return f, tc, configured
}

func (e *Engine) publish(typ string, data any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(eventbus.Event{Type: typ, Time: e.now(), Data: data})
}

// ---- message creation ----

// CreateRequest describes a new message.
type CreateRequest struct {
	// ID is optional; a UUID is generated when empty. Creating an existing id
	// returns the stored message unchanged.
	ID        string
	Target    model.TargetRef
	Content   model.ContentItem
	Explicit  []model.ExplicitRecipient
	Policy    model.SendPolicy
	BoxPolicy model.BoxPolicy
	SendAfter time.Time
}

// CreateMessage queues a message against its target's registry.
func (e *Engine) CreateMessage(ctx context.Context, req CreateRequest) (*model.Notification, error) {
	if !req.Target.Valid() {
		return nil, fmt.Errorf("%w: target collection and id are required", ErrInvalidArgument)
	}
	if strings.TrimSpace(req.Content.Type) == "" {
		return nil, fmt.Errorf("%w: content type is required", ErrInvalidArgument)
	}
	if !req.Policy.Valid() || !req.BoxPolicy.Valid() {
		return nil, fmt.Errorf("%w: unknown policy %q/%q", ErrInvalidArgument, req.Policy, req.BoxPolicy)
	}

	now := e.now()
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = newID()
	}
	content := req.Content
	if content.ID == "" {
		content.ID = id
	}
	if content.CreatedAt == 0 {
		content.CreatedAt = now.UnixMilli()
	}
	policy := req.Policy
	if policy == "" {
		policy = model.PolicyNormal
	}
	boxPolicy := req.BoxPolicy
	if boxPolicy == "" {
		boxPolicy = model.BoxCreate
	}

	msg := &model.Notification{
		ID:        id,
		BoxID:     model.BoxID(req.Target),
		Target:    req.Target,
		Content:   content,
		Explicit:  req.Explicit,
		Policy:    policy,
		BoxPolicy: boxPolicy,
		SendAfter: req.SendAfter.UnixMilli(),
		States:    e.initialStates(content.Type),
		CreatedAt: now.UnixMilli(),
	}
	if req.SendAfter.IsZero() {
		msg.SendAfter = now.UnixMilli()
	}

	var stored model.Notification
	existed := false
	err := e.store.RunTx(ctx, func(tx storage.Tx) error {
		ok, err := tx.Get(model.CollNotifications, id, &stored)
		if err != nil {
			return err
		}
		if existed = ok; ok {
			return nil
		}
		return tx.Set(model.CollNotifications, id, msg)
	})
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	if existed {
		return &stored, nil
	}

	e.metrics.MessageCreated(content.Type)
	e.publish(EventMessageCreated, map[string]any{"id": id, "box": msg.BoxID, "type": content.Type})
	e.log.Debug("message created", logx.String("id", id), logx.String("box", msg.BoxID), logx.String("type", content.Type))
	return msg, nil
}

// initialStates queues each channel the type enables. Unknown types queue
// every channel so the configuration backoff applies.
func (e *Engine) initialStates(typ string) model.ChannelStates {
	e.mu.RLock()
	tc, ok := e.cfg.Types[typ]
	e.mu.RUnlock()
	var cs model.ChannelStates
	for _, ch := range model.Channels {
		if ok && tc.Channels.Get(ch) == model.Off {
			cs.Set(ch, model.StateNone)
			continue
		}
		cs.Set(ch, model.StateQueued)
	}
	return cs
}

// ---- reads ----

func (e *Engine) Notification(ctx context.Context, id string) (*model.Notification, error) {
	var n model.Notification
	return get(ctx, e.store, model.CollNotifications, id, &n)
}

func (e *Engine) Box(ctx context.Context, id string) (*model.Box, error) {
	var b model.Box
	return get(ctx, e.store, model.CollBoxes, id, &b)
}

func (e *Engine) User(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	return get(ctx, e.store, model.CollUsers, id, &u)
}

func (e *Engine) Summary(ctx context.Context, id string) (*model.Summary, error) {
	var s model.Summary
	return get(ctx, e.store, model.CollSummaries, id, &s)
}

func (e *Engine) Week(ctx context.Context, id string) (*model.Week, error) {
	var w model.Week
	return get(ctx, e.store, model.CollWeeks, id, &w)
}

// SetProfile stores contact details for a system user.
func (e *Engine) SetProfile(ctx context.Context, userID string, c model.Contact) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidArgument)
	}
	return e.store.RunTx(ctx, func(tx storage.Tx) error {
		return tx.Set(model.CollProfiles, userID, c)
	})
}

func get[T any](ctx context.Context, st storage.Store, coll, id string, v *T) (*T, error) {
	ok, err := st.Get(ctx, coll, id, v)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%s %q: %w", coll, id, ErrNotFound)
	}
	return v, nil
}
