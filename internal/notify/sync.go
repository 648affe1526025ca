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

// SyncResult is the outcome of reconciling one user-box pair.
type SyncResult struct {
	Config model.UserBoxConfig
	// Entry is the entry to write back; nil when the live entry already
	// matches the effective config.
	Entry         *model.Recipient
	ConfigChanged bool
}

// Reconcile merges one user-box config with the live registry entry.
//
// Box-side edits (entry toggles differing from what sync last applied) are
// adopted into the per-box config first. The effective entry is then
// global override, per-box config, existing entry value, in that order, and
// is only returned when it differs from the live entry. An entry whose
// index moved since the last sync was removed and re-added, so nothing was
// applied to it yet. A nil entry means the user is no longer in the box.
//
// Reconcile is pure; applying its result and reconciling again is a no-op.
func Reconcile(cfg model.UserBoxConfig, global model.TypeConfig, entry *model.Recipient) SyncResult {
	old := cfg
	cfg.Config = cfg.Config.Clone()

	if entry == nil {
		cfg.Removed = true
		cfg.NeedsSync = false
		return SyncResult{Config: cfg, ConfigChanged: !sameBoxConfig(old, cfg)}
	}

	if cfg.Removed || cfg.LastIndex == 0 || cfg.LastIndex != entry.Index {
		// Nothing applied to this entry yet: the live entry is the baseline.
		cfg.Applied = nil
		cfg.AppliedOptOut = false
		cfg.Locked = entry.Locked
	}

	if d := model.DiffConfig(cfg.Applied, entry.Config); len(d) > 0 {
		cfg.Config = model.MergeConfigs(d, cfg.Config)
	}
	if entry.OptOut != cfg.AppliedOptOut {
		cfg.OptOut = entry.OptOut
	}

	effective := model.MergeConfigs(global, cfg.Config, entry.Config)

	var out *model.Recipient
	if !effective.Equal(entry.Config) || entry.OptOut != cfg.OptOut || entry.Locked != cfg.Locked {
		next := *entry
		next.Config = effective
		next.OptOut = cfg.OptOut
		next.Locked = cfg.Locked
		out = &next
	}

	cfg.Config = cfg.Config.Normalize()
	cfg.Applied = effective
	cfg.AppliedOptOut = cfg.OptOut
	cfg.LastIndex = entry.Index
	cfg.Removed = false
	cfg.NeedsSync = false
	return SyncResult{Config: cfg, Entry: out, ConfigChanged: !sameBoxConfig(old, cfg)}
}

func sameBoxConfig(a, b model.UserBoxConfig) bool {
	return a.BoxID == b.BoxID &&
		a.Config.Equal(b.Config) &&
		a.Applied.Equal(b.Applied) &&
		a.AppliedOptOut == b.AppliedOptOut &&
		a.OptOut == b.OptOut &&
		a.Locked == b.Locked &&
		a.Removed == b.Removed &&
		a.NeedsSync == b.NeedsSync &&
		a.LastIndex == b.LastIndex
}

// ResyncResult summarizes one user's resync.
type ResyncResult struct {
	UserID       string `json:"userId"`
	Boxes        int    `json:"boxes"`
	EntryWrites  int    `json:"entryWrites"`
	ConfigWrites int    `json:"configWrites"`
	Failed       int    `json:"failed"`
}

// ResyncUser reconciles every flagged per-box config of a user, one
// transaction per box. A config's flag clears only with a successful write;
// the user flag clears once no config remains flagged.
func (e *Engine) ResyncUser(ctx context.Context, userID string) (ResyncResult, error) {
	res := ResyncResult{UserID: userID}
	u, err := e.User(ctx, userID)
	if err != nil {
		return res, err
	}
	boxes := u.FlaggedBoxes()
	var firstErr error
	for _, boxID := range boxes {
		res.Boxes++
		entryWrite, cfgWrite, err := e.resyncBox(ctx, userID, boxID)
		if err != nil {
			res.Failed++
			if firstErr == nil {
				firstErr = err
			}
			e.log.Warn("resync box failed", logx.String("user", userID), logx.String("box", boxID), logx.Err(err))
			continue
		}
		if entryWrite {
			res.EntryWrites++
		}
		if cfgWrite {
			res.ConfigWrites++
		}
	}
	if len(boxes) == 0 && u.NeedsSync {
		// Stale user flag with nothing left to do.
		if err := e.refreshUserFlag(ctx, userID); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	e.publish(EventUserResynced, res)
	if firstErr != nil {
		return res, fmt.Errorf("resync %s: %w", userID, firstErr)
	}
	return res, nil
}

func (e *Engine) resyncBox(ctx context.Context, userID, boxID string) (entryWrite, cfgWrite bool, err error) {
	now := e.now().UnixMilli()
	err = e.store.RunTx(ctx, func(tx storage.Tx) error {
		entryWrite, cfgWrite = false, false
		var u model.User
		ok, err := tx.Get(model.CollUsers, userID, &u)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("user %q: %w", userID, ErrNotFound)
		}
		cfg := u.Config(boxID)
		if cfg == nil {
			return nil
		}

		var (
			b     model.Box
			entry *model.Recipient
			pos   = -1
		)
		boxOK, err := tx.Get(model.CollBoxes, boxID, &b)
		if err != nil {
			return err
		}
		if boxOK {
			if pos = b.FindUser(userID); pos >= 0 {
				entry = &b.Recipients[pos]
			}
		}

		r := Reconcile(*cfg, u.Global, entry)
		if r.Entry != nil {
			b.Recipients[pos] = *r.Entry
			b.UpdatedAt = now
			if err := tx.Set(model.CollBoxes, boxID, &b); err != nil {
				return err
			}
			entryWrite = true
		}
		*cfg = r.Config
		u.TrackBox(boxID, !r.Config.Removed)
		u.RefreshNeedsSync()
		u.UpdatedAt = now
		cfgWrite = r.ConfigChanged
		return tx.Set(model.CollUsers, userID, &u)
	})
	return entryWrite, cfgWrite, err
}

func (e *Engine) refreshUserFlag(ctx context.Context, userID string) error {
	return e.store.RunTx(ctx, func(tx storage.Tx) error {
		var u model.User
		ok, err := tx.Get(model.CollUsers, userID, &u)
		if err != nil || !ok {
			return err
		}
		u.RefreshNeedsSync()
		return tx.Set(model.CollUsers, userID, &u)
	})
}

// ResyncAllFlagged processes users flagged needs-sync in fixed-size batches.
// Tasks are keyed by the registries they touch so no two run against the
// same registry at once.
func (e *Engine) ResyncAllFlagged(ctx context.Context) (Report, error) {
	start := time.Now()
	rep := newReport("resync")
	cfg := e.Config()

	q := storage.Query{
		Collection: model.CollUsers,
		Where:      []storage.Filter{storage.Where("needsSync", storage.OpEq, true)},
		Limit:      cfg.ResyncBatch,
	}
	err := e.pages(ctx, q, func(docs []storage.Doc) {
		results := make([]ResyncResult, len(docs))
		tasks := make([]pool.Task, 0, len(docs))
		for i, d := range docs {
			var u model.User
			if err := d.Decode(&u); err != nil {
				e.log.Warn("skipping undecodable user", logx.String("user", d.ID), logx.Err(err))
				tasks = append(tasks, pool.Task{Name: "resync:" + d.ID, Run: func(context.Context) error { return err }})
				continue
			}
			i, id := i, d.ID
			tasks = append(tasks, pool.Task{Name: "resync:" + id, Keys: u.FlaggedBoxes(), Run: func(ctx context.Context) error {
				r, err := e.ResyncUser(ctx, id)
				results[i] = r
				return err
			}})
		}
		errs := pool.Runner{Limit: cfg.Parallelism, Log: e.log}.Run(ctx, tasks)
		for i, err := range errs {
			rep.Visited++
			if err != nil && !errors.Is(err, ErrNotFound) {
				rep.Failed++
				rep.count("error", 1)
				continue
			}
			rep.Succeeded++
			rep.count("entry-writes", results[i].EntryWrites)
			rep.count("config-writes", results[i].ConfigWrites)
		}
	})
	return e.closeSweep(rep, start, err)
}
