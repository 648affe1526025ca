package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"notifbox/internal/notify/model"
	"notifbox/internal/storage"
	"notifbox/internal/task/pool"
	logx "notifbox/pkg/logx"
)

// InitOutcome is the result of applying a registry template.
type InitOutcome string

const (
	InitApplied InitOutcome = "initialized"
	InitInvalid InitOutcome = "invalid"
	InitDeleted InitOutcome = "deleted"
)

// EnsureBox returns the registry for target, creating it in needs-init
// state when missing. created reports whether this call created it.
func (e *Engine) EnsureBox(ctx context.Context, target model.TargetRef) (box *model.Box, created bool, err error) {
	if !target.Valid() {
		return nil, false, fmt.Errorf("%w: target collection and id are required", ErrInvalidArgument)
	}
	id := model.BoxID(target)
	now := e.now()
	err = e.store.RunTx(ctx, func(tx storage.Tx) error {
		var b model.Box
		ok, err := tx.Get(model.CollBoxes, id, &b)
		if err != nil {
			return err
		}
		if ok {
			box, created = &b, false
			return nil
		}
		box, created = model.NewBox(target, now), true
		return tx.Set(model.CollBoxes, id, box)
	})
	if err != nil {
		return nil, false, err
	}
	return box, created, nil
}

// InitializeBox runs the template callback for a registry. Without force,
// a registry that is no longer in needs-init yields ErrAlreadyInitialized.
func (e *Engine) InitializeBox(ctx context.Context, boxID string, force bool) (InitOutcome, error) {
	box, err := e.Box(ctx, boxID)
	if errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("box %q: %w", boxID, ErrBoxNotFound)
	}
	if err != nil {
		return "", err
	}
	if !box.NeedsInit && !force {
		return "", fmt.Errorf("box %q: %w", boxID, ErrAlreadyInitialized)
	}

	result, err := e.templater.Template(ctx, box.Model)
	if err != nil {
		return "", fmt.Errorf("template %s: %w", box.Model, err)
	}
	if result == nil {
		result = InvalidTemplate{}
	}

	now := e.now()
	var outcome InitOutcome
	err = e.store.RunTx(ctx, func(tx storage.Tx) error {
		var b model.Box
		ok, err := tx.Get(model.CollBoxes, boxID, &b)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("box %q: %w", boxID, ErrBoxNotFound)
		}
		if !b.NeedsInit && !force {
			return fmt.Errorf("box %q: %w", boxID, ErrAlreadyInitialized)
		}
		switch r := result.(type) {
		case DeleteTemplate:
			outcome = InitDeleted
			return tx.Delete(model.CollBoxes, boxID)
		case InvalidTemplate:
			outcome = InitInvalid
			b.NeedsInit, b.Invalid = false, true
		case ApplyTemplate:
			outcome = InitApplied
			b.NeedsInit, b.Invalid = false, false
			if err := e.applySeeds(tx, &b, r.Recipients); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown template result %T", result)
		}
		b.UpdatedAt = now.UnixMilli()
		return tx.Set(model.CollBoxes, boxID, &b)
	})
	if err != nil {
		return "", err
	}

	e.publish(EventBoxInitialized, map[string]any{"box": boxID, "outcome": string(outcome)})
	e.log.Info("registry initialized", logx.String("box", boxID), logx.String("outcome", string(outcome)))
	return outcome, nil
}

// applySeeds inserts template entries not already present. Bound users get
// their mirror config created and flagged for sync; blocked users are
// skipped.
func (e *Engine) applySeeds(tx storage.Tx, b *model.Box, seeds []RecipientSeed) error {
	for _, s := range seeds {
		if s.UserID == "" {
			if s.Contact.IsZero() || b.FindContact(s.Contact) >= 0 {
				continue
			}
			b.Append(model.Recipient{Contact: s.Contact, Config: s.Config.Normalize(), Locked: s.Locked})
			continue
		}
		if b.FindUser(s.UserID) >= 0 {
			continue
		}
		var u model.User
		ok, err := tx.Get(model.CollUsers, s.UserID, &u)
		if err != nil {
			return err
		}
		if !ok {
			u = model.User{ID: s.UserID}
		}
		if u.Blocked {
			e.log.Debug("template skipped blocked user", logx.String("box", b.ID), logx.String("user", s.UserID))
			continue
		}
		b.Append(model.Recipient{UserID: s.UserID, Contact: s.Contact, Config: s.Config.Normalize(), Locked: s.Locked})
		markUserBox(&u, b.ID)
		if err := tx.Set(model.CollUsers, u.ID, &u); err != nil {
			return err
		}
	}
	return nil
}

// markUserBox flags the user's mirror of boxID for reconciliation.
func markUserBox(u *model.User, boxID string) {
	c := u.EnsureConfig(boxID)
	c.NeedsSync = true
	u.NeedsSync = true
}

// InitializeSummary runs the template callback for a summary feed.
func (e *Engine) InitializeSummary(ctx context.Context, summaryID string, force bool) (InitOutcome, error) {
	sum, err := e.Summary(ctx, summaryID)
	if err != nil {
		return "", err
	}
	if !sum.NeedsInit && !force {
		return "", fmt.Errorf("summary %q: %w", summaryID, ErrAlreadyInitialized)
	}
	result, err := e.templater.Template(ctx, sum.Model)
	if err != nil {
		return "", fmt.Errorf("template %s: %w", sum.Model, err)
	}
	if result == nil {
		result = InvalidTemplate{}
	}

	var outcome InitOutcome
	err = e.store.RunTx(ctx, func(tx storage.Tx) error {
		var s model.Summary
		ok, err := tx.Get(model.CollSummaries, summaryID, &s)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("summary %q: %w", summaryID, ErrNotFound)
		}
		if !s.NeedsInit && !force {
			return fmt.Errorf("summary %q: %w", summaryID, ErrAlreadyInitialized)
		}
		switch result.(type) {
		case DeleteTemplate:
			outcome = InitDeleted
			return tx.Delete(model.CollSummaries, summaryID)
		case InvalidTemplate:
			outcome = InitInvalid
			s.NeedsInit, s.Invalid = false, true
		case ApplyTemplate:
			outcome = InitApplied
			s.NeedsInit, s.Invalid = false, false
		default:
			return fmt.Errorf("unknown template result %T", result)
		}
		return tx.Set(model.CollSummaries, summaryID, &s)
	})
	if err != nil {
		return "", err
	}
	e.log.Debug("summary initialized", logx.String("summary", summaryID), logx.String("outcome", string(outcome)))
	return outcome, nil
}

// InitializeAllFlagged retries every needs-init registry and summary once
// per pass, looping until none remain flagged or a pass advances none.
func (e *Engine) InitializeAllFlagged(ctx context.Context) (Report, error) {
	start := time.Now()
	rep := newReport("init")
	cfg := e.Config()

	for pass := 0; pass < cfg.MaxInitPass; pass++ {
		boxes, err := e.flaggedIDs(ctx, model.CollBoxes, cfg.PageSize)
		if err != nil {
			return e.closeSweep(rep, start, err)
		}
		sums, err := e.flaggedIDs(ctx, model.CollSummaries, cfg.PageSize)
		if err != nil {
			return e.closeSweep(rep, start, err)
		}
		if len(boxes)+len(sums) == 0 {
			break
		}

		outcomes := make([]InitOutcome, len(boxes)+len(sums))
		tasks := make([]pool.Task, 0, len(outcomes))
		for i, id := range boxes {
			i, id := i, id
			tasks = append(tasks, pool.Task{Name: "init:" + id, Keys: []string{id}, Run: func(ctx context.Context) error {
				o, err := e.InitializeBox(ctx, id, false)
				outcomes[i] = o
				return err
			}})
		}
		for j, id := range sums {
			i, id := len(boxes)+j, id
			tasks = append(tasks, pool.Task{Name: "init-summary:" + id, Keys: []string{"summary:" + id}, Run: func(ctx context.Context) error {
				o, err := e.InitializeSummary(ctx, id, false)
				outcomes[i] = o
				return err
			}})
		}
		errs := pool.Runner{Limit: cfg.Parallelism, Log: e.log}.Run(ctx, tasks)

		advanced := 0
		for i, err := range errs {
			rep.Visited++
			switch {
			case errors.Is(err, ErrAlreadyInitialized):
				advanced++
				rep.count("already-initialized", 1)
			case err != nil:
				rep.Failed++
				rep.count("error", 1)
			default:
				advanced++
				rep.Succeeded++
				rep.count(string(outcomes[i]), 1)
			}
		}
		rep.count("passes", 1)
		if advanced == 0 {
			break
		}
	}
	return e.closeSweep(rep, start, nil)
}

func (e *Engine) flaggedIDs(ctx context.Context, coll string, pageSize int) ([]string, error) {
	var ids []string
	q := storage.Query{Collection: coll, Where: []storage.Filter{storage.Where("needsInit", storage.OpEq, true)}, Limit: pageSize}
	err := e.pages(ctx, q, func(docs []storage.Doc) {
		for _, d := range docs {
			ids = append(ids, d.ID)
		}
	})
	return ids, err
}
