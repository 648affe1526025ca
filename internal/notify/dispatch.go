package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"notifbox/internal/notify/channel"
	"notifbox/internal/notify/model"
	"notifbox/internal/storage"
	"notifbox/internal/task/pool"
	logx "notifbox/pkg/logx"
)

// Outcome is the result of one dispatch attempt.
type Outcome string

const (
	OutcomeCompleted     Outcome = "completed"
	OutcomeGaveUp        Outcome = "gave-up"
	OutcomePending       Outcome = "pending"
	OutcomeThrottled     Outcome = "throttled"
	OutcomeDeferred      Outcome = "deferred"
	OutcomeConfigDelayed Outcome = "config-delayed"
	OutcomeDeleted       Outcome = "deleted"
	OutcomeAbandoned     Outcome = "abandoned"
	OutcomeAlreadyDone   Outcome = "already-done"
	OutcomeMissing       Outcome = "missing"
)

// DispatchResult describes the message after one attempt.
type DispatchResult struct {
	ID        string              `json:"id"`
	Outcome   Outcome             `json:"outcome"`
	States    model.ChannelStates `json:"states"`
	Attempts  int                 `json:"attempts"`
	SendAfter int64               `json:"sendAfter"`
	Done      bool                `json:"done"`
	LastError string              `json:"lastError,omitempty"`
}

func resultOf(msg *model.Notification, o Outcome) DispatchResult {
	return DispatchResult{
		ID:        msg.ID,
		Outcome:   o,
		States:    msg.States,
		Attempts:  msg.Attempts,
		SendAfter: msg.SendAfter,
		Done:      msg.Done,
		LastError: msg.LastError,
	}
}

// batchMemo remembers channel results across transaction retries of one
// attempt so a conflict never resends to the same recipient.
type batchMemo struct {
	outcome   map[string]string // identity -> success|failed|ignored|unrendered
	err       error
	renderErr error
}

const (
	memoSuccess    = "success"
	memoFailed     = "failed"
	memoIgnored    = "ignored"
	memoUnrendered = "unrendered"
)

// SendNow runs one dispatch attempt for a message. Every state transition
// of the attempt commits in a single transaction.
func (e *Engine) SendNow(ctx context.Context, id string) (DispatchResult, error) {
	now := e.now()
	memo := map[model.Channel]*batchMemo{}

	var (
		res     DispatchResult
		initBox string
	)
	err := e.store.RunTx(ctx, func(tx storage.Tx) error {
		var err error
		res, initBox, err = e.attempt(ctx, tx, id, now, memo)
		return err
	})
	if err != nil {
		e.log.Warn("dispatch failed", logx.String("id", id), logx.Err(err))
		return DispatchResult{ID: id}, fmt.Errorf("dispatch %s: %w", id, err)
	}

	e.metrics.Dispatched(res.Outcome)
	if res.Outcome != OutcomeThrottled && res.Outcome != OutcomeAlreadyDone && res.Outcome != OutcomeMissing {
		e.publish(EventDispatched, res)
		e.log.Debug("dispatch attempt",
			logx.String("id", id),
			logx.String("outcome", string(res.Outcome)),
			logx.Int("attempts", res.Attempts),
			logx.Any("states", res.States),
		)
	}
	if initBox != "" {
		if _, err := e.InitializeBox(ctx, initBox, false); err != nil && !errors.Is(err, ErrAlreadyInitialized) {
			e.log.Debug("deferred init failed", logx.String("box", initBox), logx.Err(err))
		}
	}
	return res, nil
}

func (e *Engine) attempt(ctx context.Context, tx storage.Tx, id string, now time.Time, memo map[model.Channel]*batchMemo) (DispatchResult, string, error) {
	var msg model.Notification
	ok, err := tx.Get(model.CollNotifications, id, &msg)
	if err != nil {
		return DispatchResult{}, "", err
	}
	if !ok {
		return DispatchResult{ID: id, Outcome: OutcomeMissing}, "", nil
	}
	if msg.Done {
		return resultOf(&msg, OutcomeAlreadyDone), "", nil
	}
	if now.UnixMilli() < msg.SendAfter {
		return resultOf(&msg, OutcomeThrottled), "", nil
	}

	cfg := e.Config()
	factory, tc, configured := e.factoryFor(msg.Content.Type)
	if factory == nil {
		r, err := e.delayForConfig(tx, &msg, now, cfg.UnknownTypeBackoff, cfg.UnknownTypeMaxRetries, "unknown template type")
		return r, "", err
	}
	if !configured {
		r, err := e.delayForConfig(tx, &msg, now, cfg.MissingConfigBackoff, cfg.MissingConfigRetries, "template type not configured")
		return r, "", err
	}

	box, early, initBox, err := e.dispatchBox(tx, &msg, now, cfg)
	if err != nil || early != "" {
		return resultOf(&msg, early), initBox, err
	}

	loaded, err := factory.Load(ctx, LoadRequest{Message: &msg, Box: box, Type: tc})
	if err == nil && (loaded == nil || loaded.Render == nil) {
		err = errors.New("factory returned no renderer")
	}
	if err != nil {
		markRetryable(&msg, model.StateBuildError, "build: "+err.Error())
		r, err := e.finish(tx, &msg, now, cfg)
		return r, "", err
	}

	resolution, err := e.Resolve(ctx, ResolveInput{Message: &msg, Box: box, Global: loaded.Global})
	if err != nil {
		markRetryable(&msg, model.StateBuildError, "resolve: "+err.Error())
		r, err := e.finish(tx, &msg, now, cfg)
		return r, "", err
	}

	msg.LastError = ""
	for _, ch := range model.Channels {
		e.sendChannel(ctx, &msg, ch, resolution.Get(ch), loaded.Render, memo)
	}
	r, err := e.finish(tx, &msg, now, cfg)
	return r, "", err
}

// delayForConfig handles template types the engine cannot serve yet. The
// message is deleted, not archived, once the retry ceiling is reached.
func (e *Engine) delayForConfig(tx storage.Tx, msg *model.Notification, now time.Time, backoff time.Duration, ceiling int, reason string) (DispatchResult, error) {
	msg.Attempts++
	msg.LastError = reason
	if msg.Attempts >= ceiling {
		e.log.Warn("dropping message after config retries",
			logx.String("id", msg.ID),
			logx.String("type", msg.Content.Type),
			logx.String("reason", reason),
			logx.Int("attempts", msg.Attempts),
		)
		return resultOf(msg, OutcomeDeleted), tx.Delete(model.CollNotifications, msg.ID)
	}
	msg.SendAfter = now.Add(backoff).UnixMilli()
	msg.UpdatedAt = now.UnixMilli()
	return resultOf(msg, OutcomeConfigDelayed), tx.Set(model.CollNotifications, msg.ID, msg)
}

// dispatchBox loads the message's registry and applies the box policy.
// A non-empty outcome ends the attempt; initBox names a registry to
// initialize once the transaction commits.
func (e *Engine) dispatchBox(tx storage.Tx, msg *model.Notification, now time.Time, cfg Config) (box *model.Box, early Outcome, initBox string, err error) {
	var b model.Box
	ok, err := tx.Get(model.CollBoxes, msg.BoxID, &b)
	if err != nil {
		return nil, "", "", err
	}
	if !ok {
		switch msg.BoxPolicy {
		case model.BoxAbandon:
			return nil, OutcomeAbandoned, "", tx.Delete(model.CollNotifications, msg.ID)
		case model.BoxProceed:
			return nil, "", "", nil
		}
		if !msg.Target.Valid() {
			return nil, "", "", nil
		}
		nb := model.NewBox(msg.Target, now)
		if err := tx.Set(model.CollBoxes, nb.ID, nb); err != nil {
			return nil, "", "", err
		}
		return nil, OutcomeDeferred, nb.ID, e.deferMessage(tx, msg, now, cfg)
	}
	if b.NeedsInit && msg.Attempts < cfg.MaxInitAttempts {
		return nil, OutcomeDeferred, b.ID, e.deferMessage(tx, msg, now, cfg)
	}
	if b.Invalid {
		return nil, "", "", nil
	}
	return &b, "", "", nil
}

func (e *Engine) deferMessage(tx storage.Tx, msg *model.Notification, now time.Time, cfg Config) error {
	msg.Attempts++
	msg.SendAfter = now.Add(cfg.InitDeferDelay).UnixMilli()
	msg.UpdatedAt = now.UnixMilli()
	return tx.Set(model.CollNotifications, msg.ID, msg)
}

func markRetryable(msg *model.Notification, s model.SendState, reason string) {
	for _, ch := range model.Channels {
		if msg.States.Get(ch).Retryable() {
			msg.States.Set(ch, s)
		}
	}
	msg.LastError = reason
}

// sendChannel delivers one channel's pending recipients and folds the
// partition back into the message.
func (e *Engine) sendChannel(ctx context.Context, msg *model.Notification, ch model.Channel, recips []Resolved, render RenderFunc, memo map[model.Channel]*batchMemo) {
	if !msg.States.Get(ch).Retryable() {
		return
	}
	svc := e.channel(ch)
	if svc == nil {
		msg.States.Set(ch, model.StateConfigError)
		msg.LastError = fmt.Sprintf("no service for channel %s", ch)
		e.metrics.ChannelBatch(ch, model.StateConfigError, 0)
		return
	}

	pending := make([]Resolved, 0, len(recips))
	for _, r := range recips {
		if !msg.Sent.Has(ch, r.To) {
			pending = append(pending, r)
		}
	}
	if len(pending) == 0 {
		if len(msg.Sent.Get(ch)) > 0 {
			msg.States.Set(ch, model.StateSent)
		} else {
			msg.States.Set(ch, model.StateSkipped)
		}
		e.metrics.ChannelBatch(ch, msg.States.Get(ch), 0)
		return
	}

	m := memo[ch]
	if m == nil {
		m = &batchMemo{outcome: map[string]string{}}
		memo[ch] = m
	}

	var (
		success, failed, ignored []string
		unrendered               int
		batch                    []channel.Message
	)
	classify := func(to, o string) {
		switch o {
		case memoSuccess:
			success = append(success, to)
		case memoIgnored:
			ignored = append(ignored, to)
		case memoUnrendered:
			unrendered++
			failed = append(failed, to)
		default:
			failed = append(failed, to)
		}
	}
	for _, r := range pending {
		if o, ok := m.outcome[r.To]; ok {
			classify(r.To, o)
			continue
		}
		out, err := render(ch, r)
		if err != nil {
			e.log.Debug("render failed", logx.String("id", msg.ID), logx.String("to", r.To), logx.Err(err))
			if m.renderErr == nil {
				m.renderErr = err
			}
			m.outcome[r.To] = memoUnrendered
			classify(r.To, memoUnrendered)
			continue
		}
		if out.Skip {
			m.outcome[r.To] = memoIgnored
			classify(r.To, memoIgnored)
			continue
		}
		if msg.Content.Subject != "" {
			out.Subject = msg.Content.Subject
		}
		if msg.Content.Body != "" {
			out.Body = msg.Content.Body
		}
		batch = append(batch, channel.Message{
			Channel:   ch,
			To:        r.To,
			Contact:   r.Contact,
			UserID:    r.UserID,
			MessageID: msg.ID,
			BoxID:     msg.BoxID,
			Content:   msg.Content,
			Subject:   out.Subject,
			Body:      out.Body,
			HTML:      out.HTML,
		})
	}

	if len(batch) > 0 {
		res, err := svc.Send(ctx, batch)
		lists := []struct {
			ids []string
			o   string
		}{{res.Success, memoSuccess}, {res.Ignored, memoIgnored}, {res.Failed, memoFailed}}
		if err != nil {
			m.err = err
			lists = lists[:2]
		}
		seen := map[string]struct{}{}
		for _, lst := range lists {
			for _, to := range lst.ids {
				if _, dup := seen[to]; dup {
					continue
				}
				seen[to] = struct{}{}
				m.outcome[to] = lst.o
				classify(to, lst.o)
			}
		}
		// Identities the service did not report stay retryable.
		for _, bm := range batch {
			if _, ok := seen[bm.To]; !ok {
				m.outcome[bm.To] = memoFailed
				classify(bm.To, memoFailed)
			}
		}
	}

	msg.Sent.Add(ch, success...)
	msg.Sent.Add(ch, ignored...)

	var state model.SendState
	switch {
	case m.err != nil && errors.Is(m.err, channel.ErrNotConfigured):
		state = model.StateConfigError
		msg.LastError = m.err.Error()
	case m.err != nil:
		state = model.StateSendError
		msg.LastError = m.err.Error()
	case unrendered == len(pending):
		// Nothing could be rendered, so nothing reached the service.
		state = model.StateBuildError
		msg.LastError = "render: " + m.renderErr.Error()
	case len(failed) > 0 && len(msg.Sent.Get(ch)) > 0:
		state = model.StatePartial
	case len(failed) > 0:
		state = model.StateSendError
	default:
		state = model.StateSent
	}
	msg.States.Set(ch, state)
	e.metrics.ChannelBatch(ch, state, len(success))
}

// finish recomputes completion and schedules the next attempt.
func (e *Engine) finish(tx storage.Tx, msg *model.Notification, now time.Time, cfg Config) (DispatchResult, error) {
	msg.UpdatedAt = now.UnixMilli()
	outcome := OutcomeCompleted
	if !msg.RefreshDone() {
		msg.Attempts++
		if msg.Attempts >= cfg.MaxAttempts {
			msg.Done = true
			msg.GaveUp = true
			outcome = OutcomeGaveUp
		} else {
			delay := cfg.retryDelay(msg.Attempts)
			if onlyConfigErrors(msg.States) && delay < cfg.MissingConfigBackoff {
				delay = cfg.MissingConfigBackoff
			}
			msg.SendAfter = now.Add(delay).UnixMilli()
			outcome = OutcomePending
		}
	}
	return resultOf(msg, outcome), tx.Set(model.CollNotifications, msg.ID, msg)
}

func onlyConfigErrors(cs model.ChannelStates) bool {
	found := false
	for _, ch := range model.Channels {
		switch cs.Get(ch) {
		case model.StateConfigError:
			found = true
		case model.StateQueued, model.StatePartial, model.StateSendError, model.StateBuildError:
			return false
		}
	}
	return found
}

// DrainQueued dispatches every due, unfinished message, page by page, until
// a page comes back empty.
func (e *Engine) DrainQueued(ctx context.Context) (Report, error) {
	start := time.Now()
	rep := newReport("drain")
	cfg := e.Config()
	due := e.now().UnixMilli()

	q := storage.Query{
		Collection: model.CollNotifications,
		Where: []storage.Filter{
			storage.Where("done", storage.OpEq, false),
			storage.Where("sendAfter", storage.OpLte, due),
		},
		Limit: cfg.PageSize,
	}
	err := e.pages(ctx, q, func(docs []storage.Doc) {
		outcomes := make([]Outcome, len(docs))
		tasks := make([]pool.Task, len(docs))
		for i, d := range docs {
			i, id := i, d.ID
			tasks[i] = pool.Task{Name: "send:" + id, Run: func(ctx context.Context) error {
				r, err := e.SendNow(ctx, id)
				outcomes[i] = r.Outcome
				return err
			}}
		}
		errs := pool.Runner{Limit: cfg.Parallelism, Log: e.log}.Run(ctx, tasks)
		for i := range docs {
			rep.Visited++
			switch {
			case errs[i] != nil:
				rep.Failed++
				rep.count("error", 1)
			case outcomes[i] == OutcomeGaveUp:
				rep.Failed++
				rep.count(string(outcomes[i]), 1)
			case outcomes[i] == OutcomeCompleted:
				rep.Succeeded++
				rep.count(string(outcomes[i]), 1)
			default:
				rep.count(string(outcomes[i]), 1)
			}
		}
	})
	return e.closeSweep(rep, start, err)
}

// pages walks a query in id order, handing each page to fn.
func (e *Engine) pages(ctx context.Context, q storage.Query, fn func(docs []storage.Doc)) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		docs, err := e.store.Query(ctx, q)
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			return nil
		}
		fn(docs)
		q.StartAfter = docs[len(docs)-1].ID
		if q.Limit <= 0 || len(docs) < q.Limit {
			return nil
		}
	}
}

func (e *Engine) closeSweep(rep Report, start time.Time, err error) (Report, error) {
	rep.Took = time.Since(start)
	e.metrics.Sweep(rep)
	e.publish(EventSweepCompleted, rep)
	fields := []logx.Field{
		logx.String("sweep", rep.Name),
		logx.Int("visited", rep.Visited),
		logx.Int("succeeded", rep.Succeeded),
		logx.Int("failed", rep.Failed),
		logx.String("counts", rep.String()),
		logx.Duration("took", rep.Took),
	}
	if err != nil {
		e.log.Warn("sweep interrupted", append(fields, logx.Err(err))...)
		return rep, err
	}
	if rep.Visited > 0 {
		e.log.Info("sweep done", fields...)
	} else {
		e.log.Debug("sweep done", fields...)
	}
	return rep, nil
}
