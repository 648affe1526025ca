package notify

import (
	"context"
	"fmt"
	"strings"

	"notifbox/internal/notify/model"
	"notifbox/internal/storage"
	logx "notifbox/pkg/logx"
)

// RecipientUpdate edits one registry entry. The entry is located by UserID,
// then by Index, then by any shared contact value.
type RecipientUpdate struct {
	BoxID   string
	UserID  string
	Index   int
	Contact model.Contact

	// Remove deletes the entry. Insert creates it when missing; with
	// ThrowIfExists an existing entry is a conflict instead of an update.
	Remove        bool
	Insert        bool
	ThrowIfExists bool
	// Force allows edits to a locked entry.
	Force bool

	Config model.TypeConfig // nil leaves the entry config unchanged
	OptOut *bool
	Locked *bool
}

// RecipientChange is the result of an applied update.
type RecipientChange struct {
	BoxID    string           `json:"boxId"`
	Entry    *model.Recipient `json:"entry,omitempty"`
	Inserted bool             `json:"inserted,omitempty"`
	Removed  bool             `json:"removed,omitempty"`
}

// UpdateRecipient inserts, updates or removes a registry entry. A bound
// user's mirror config is flagged for sync in the same transaction.
// Precondition failures leave both documents untouched.
func (e *Engine) UpdateRecipient(ctx context.Context, up RecipientUpdate) (RecipientChange, error) {
	up.BoxID = strings.TrimSpace(up.BoxID)
	up.UserID = strings.TrimSpace(up.UserID)
	if up.BoxID == "" {
		return RecipientChange{}, fmt.Errorf("%w: box id is required", ErrInvalidArgument)
	}
	if up.UserID == "" && up.Index <= 0 && up.Contact.IsZero() {
		return RecipientChange{}, fmt.Errorf("%w: user id, index or contact is required", ErrInvalidArgument)
	}

	now := e.now().UnixMilli()
	var change RecipientChange
	err := e.store.RunTx(ctx, func(tx storage.Tx) error {
		change = RecipientChange{BoxID: up.BoxID}
		var b model.Box
		ok, err := tx.Get(model.CollBoxes, up.BoxID, &b)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("box %q: %w", up.BoxID, ErrBoxNotFound)
		}

		pos := locateEntry(&b, up)
		switch {
		case up.Remove:
			if pos < 0 {
				return fmt.Errorf("box %q: %w", up.BoxID, ErrRecipientNotFound)
			}
			entry := b.Recipients[pos]
			if entry.Locked && !up.Force {
				return fmt.Errorf("entry %d: %w", entry.Index, ErrRecipientLocked)
			}
			b.Remove(pos)
			change.Entry, change.Removed = &entry, true
			if err := flagUser(tx, entry.UserID, b.ID, false, now); err != nil {
				return err
			}

		case pos < 0:
			if !up.Insert {
				return fmt.Errorf("box %q: %w", up.BoxID, ErrRecipientNotFound)
			}
			entry := model.Recipient{UserID: up.UserID, Contact: up.Contact, Config: up.Config.Normalize()}
			if up.OptOut != nil {
				entry.OptOut = *up.OptOut
			}
			if up.Locked != nil {
				entry.Locked = *up.Locked
			}
			if up.UserID != "" {
				blocked, err := userBlocked(tx, up.UserID)
				if err != nil {
					return err
				}
				if blocked {
					return fmt.Errorf("user %q: %w", up.UserID, ErrUserBlocked)
				}
			}
			b.Append(entry)
			entry = b.Recipients[len(b.Recipients)-1]
			change.Entry, change.Inserted = &entry, true
			if err := flagUser(tx, entry.UserID, b.ID, true, now); err != nil {
				return err
			}

		default:
			if up.Insert && up.ThrowIfExists {
				return fmt.Errorf("box %q: %w", up.BoxID, ErrRecipientExists)
			}
			entry := &b.Recipients[pos]
			if entry.Locked && !up.Force {
				return fmt.Errorf("entry %d: %w", entry.Index, ErrRecipientLocked)
			}
			entry.Contact = up.Contact.Fill(entry.Contact)
			if up.Config != nil {
				entry.Config = up.Config.Normalize()
			}
			if up.OptOut != nil {
				entry.OptOut = *up.OptOut
			}
			if up.Locked != nil {
				entry.Locked = *up.Locked
			}
			cp := *entry
			change.Entry = &cp
			if err := flagUser(tx, entry.UserID, b.ID, false, now); err != nil {
				return err
			}
		}

		b.UpdatedAt = now
		return tx.Set(model.CollBoxes, b.ID, &b)
	})
	if err != nil {
		return RecipientChange{}, err
	}

	e.publish(EventRecipientChange, change)
	e.log.Debug("recipient updated",
		logx.String("box", change.BoxID),
		logx.Bool("inserted", change.Inserted),
		logx.Bool("removed", change.Removed),
	)
	return change, nil
}

func locateEntry(b *model.Box, up RecipientUpdate) int {
	if up.UserID != "" {
		return b.FindUser(up.UserID)
	}
	if up.Index > 0 {
		return b.FindIndex(up.Index)
	}
	return b.FindContact(up.Contact)
}

func userBlocked(tx storage.Tx, userID string) (bool, error) {
	var u model.User
	ok, err := tx.Get(model.CollUsers, userID, &u)
	if err != nil {
		return false, err
	}
	return ok && u.Blocked, nil
}

// flagUser marks the user's mirror of boxID for sync. The user registry is
// only created when create is set.
func flagUser(tx storage.Tx, userID, boxID string, create bool, now int64) error {
	if userID == "" {
		return nil
	}
	var u model.User
	ok, err := tx.Get(model.CollUsers, userID, &u)
	if err != nil {
		return err
	}
	if !ok {
		if !create {
			return nil
		}
		u = model.User{ID: userID}
	}
	markUserBox(&u, boxID)
	u.UpdatedAt = now
	return tx.Set(model.CollUsers, userID, &u)
}

// ---- user-side edits ----

// updateUser applies fn to a user registry, creating it when missing.
func (e *Engine) updateUser(ctx context.Context, userID string, fn func(u *model.User) error) (*model.User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidArgument)
	}
	now := e.now().UnixMilli()
	var out model.User
	err := e.store.RunTx(ctx, func(tx storage.Tx) error {
		var u model.User
		ok, err := tx.Get(model.CollUsers, userID, &u)
		if err != nil {
			return err
		}
		if !ok {
			u = model.User{ID: userID}
		}
		if err := fn(&u); err != nil {
			return err
		}
		u.UpdatedAt = now
		out = u
		return tx.Set(model.CollUsers, userID, &u)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SetUserGlobal replaces the user's global override and flags every
// registry the user is still in.
func (e *Engine) SetUserGlobal(ctx context.Context, userID string, cfg model.TypeConfig) (*model.User, error) {
	return e.updateUser(ctx, userID, func(u *model.User) error {
		next := cfg.Normalize()
		if next.Equal(u.Global) {
			return nil
		}
		u.Global = next
		for i := range u.Configs {
			if !u.Configs[i].Removed {
				u.Configs[i].NeedsSync = true
			}
		}
		u.RefreshNeedsSync()
		return nil
	})
}

// SetUserDefaults replaces the config used when the user is included
// outside any registry.
func (e *Engine) SetUserDefaults(ctx context.Context, userID string, cfg model.TypeConfig) (*model.User, error) {
	return e.updateUser(ctx, userID, func(u *model.User) error {
		u.Defaults = cfg.Normalize()
		return nil
	})
}

// BoxConfigUpdate edits a user's per-registry config. Nil fields are kept.
type BoxConfigUpdate struct {
	Config model.TypeConfig
	OptOut *bool
	Locked *bool
}

// SetUserBoxConfig edits the user's mirror of one registry entry and flags
// it for sync.
func (e *Engine) SetUserBoxConfig(ctx context.Context, userID, boxID string, up BoxConfigUpdate) (*model.User, error) {
	boxID = strings.TrimSpace(boxID)
	if boxID == "" {
		return nil, fmt.Errorf("%w: box id is required", ErrInvalidArgument)
	}
	return e.updateUser(ctx, userID, func(u *model.User) error {
		if u.Blocked {
			return fmt.Errorf("user %q: %w", u.ID, ErrUserBlocked)
		}
		c := u.EnsureConfig(boxID)
		if up.Config != nil {
			c.Config = up.Config.Normalize()
		}
		if up.OptOut != nil {
			c.OptOut = *up.OptOut
		}
		if up.Locked != nil {
			c.Locked = *up.Locked
		}
		c.NeedsSync = true
		u.NeedsSync = true
		return nil
	})
}

// SetUserBlocked flags a user as blocked. Blocked users are never inserted
// into registries, and resolution skips them in every recipient source,
// including entries already present in a registry.
func (e *Engine) SetUserBlocked(ctx context.Context, userID string, blocked bool) (*model.User, error) {
	u, err := e.updateUser(ctx, userID, func(u *model.User) error {
		u.Blocked = blocked
		return nil
	})
	if err == nil {
		e.log.Info("user block changed", logx.String("user", u.ID), logx.Bool("blocked", blocked))
	}
	return u, err
}
