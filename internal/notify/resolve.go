package notify

import (
	"context"
	"fmt"
	"sort"

	"notifbox/internal/notify/model"
)

// Source names where a resolved recipient came from.
type Source string

const (
	SourceBox      Source = "box"
	SourceExplicit Source = "explicit"
	SourceGlobal   Source = "global"
)

// Resolved is one deliverable recipient on one channel.
type Resolved struct {
	Channel model.Channel
	// To is the normalized identity on Channel.
	To       string
	UserID   string
	Contact  model.Contact
	Source   Source
	Entry    *model.Recipient
	Explicit *model.ExplicitRecipient
}

// Resolution holds the per-channel recipient lists.
type Resolution struct {
	Email   []Resolved
	Text    []Resolved
	Summary []Resolved
}

func (r Resolution) Get(ch model.Channel) []Resolved {
	switch ch {
	case model.ChannelEmail:
		return r.Email
	case model.ChannelText:
		return r.Text
	case model.ChannelSummary:
		return r.Summary
	}
	return nil
}

func (r *Resolution) add(ch model.Channel, v Resolved) {
	switch ch {
	case model.ChannelEmail:
		r.Email = append(r.Email, v)
	case model.ChannelText:
		r.Text = append(r.Text, v)
	case model.ChannelSummary:
		r.Summary = append(r.Summary, v)
	}
}

// ResolveInput is everything resolution needs besides user data.
type ResolveInput struct {
	Message *model.Notification
	Box     *model.Box
	Global  []model.ExplicitRecipient
}

// Resolve loads profiles and user registries once per distinct user id and
// merges the recipient sources allowed by the message policy.
func (e *Engine) Resolve(ctx context.Context, in ResolveInput) (Resolution, error) {
	ids := userIDs(in)
	profiles := map[string]model.Contact{}
	if len(ids) > 0 && e.profiles != nil {
		p, err := e.profiles.Profiles(ctx, ids)
		if err != nil {
			return Resolution{}, fmt.Errorf("load profiles: %w", err)
		}
		profiles = p
	}

	users := map[string]*model.User{}
	for _, id := range ids {
		var u model.User
		ok, err := e.store.Get(ctx, model.CollUsers, id, &u)
		if err != nil {
			return Resolution{}, fmt.Errorf("load user %s: %w", id, err)
		}
		if ok {
			users[id] = &u
		}
	}
	return resolve(in, profiles, users), nil
}

// resolve is the pure merge. Order per channel: box entries, explicit
// recipients, global recipients. A user id seen earlier suppresses later
// matches for that user; a normalized contact value seen earlier suppresses
// later entries carrying it. A user whose box entry is opted out or muted on
// the channel is not picked up again from explicit or global recipients.
// Blocked users are skipped in every source.
func resolve(in ResolveInput, profiles map[string]model.Contact, users map[string]*model.User) Resolution {
	var out Resolution
	msg := in.Message
	typ := msg.Content.Type
	policy := msg.Policy

	for _, ch := range model.Channels {
		seenUser := map[string]struct{}{}
		seenTo := map[string]struct{}{}
		mutedUser := map[string]struct{}{}

		accept := func(r Resolved) {
			if r.UserID != "" {
				if _, dup := seenUser[r.UserID]; dup {
					return
				}
			}
			if r.To == "" {
				return
			}
			if _, dup := seenTo[r.To]; dup {
				return
			}
			if r.UserID != "" {
				seenUser[r.UserID] = struct{}{}
			}
			seenTo[r.To] = struct{}{}
			out.add(ch, r)
		}

		if in.Box != nil && policy.UsesBox() {
			for i := range in.Box.Recipients {
				entry := &in.Box.Recipients[i]
				if u := users[entry.UserID]; u != nil && u.Blocked {
					continue
				}
				if entry.OptOut || !entry.Config.Enabled(typ, ch) {
					if entry.UserID != "" {
						mutedUser[entry.UserID] = struct{}{}
					}
					continue
				}
				c := contactFor(entry.Contact, entry.UserID, profiles)
				accept(Resolved{Channel: ch, To: c.Identity(ch), UserID: entry.UserID, Contact: c, Source: SourceBox, Entry: entry})
			}
		}

		extra := func(list []model.ExplicitRecipient, src Source) {
			for i := range list {
				x := &list[i]
				if x.UserID != "" {
					if _, muted := mutedUser[x.UserID]; muted {
						continue
					}
					u := users[x.UserID]
					if u != nil && (u.Blocked || !userAllows(u, typ, ch)) {
						continue
					}
				}
				c := contactFor(x.Contact, x.UserID, profiles)
				accept(Resolved{Channel: ch, To: c.Identity(ch), UserID: x.UserID, Contact: c, Source: src, Explicit: x})
			}
		}
		if policy.UsesExplicit() {
			extra(msg.Explicit, SourceExplicit)
		}
		if policy.UsesGlobal() {
			extra(in.Global, SourceGlobal)
		}
	}
	return out
}

// userAllows applies the user's global override, then their defaults.
func userAllows(u *model.User, typ string, ch model.Channel) bool {
	if t := u.Global.Toggle(typ, ch); t.IsSet() {
		return t == model.On
	}
	return u.Defaults.Enabled(typ, ch)
}

// contactFor fills missing fields from the user's profile. A bound user
// without a summary id uses their user id, so every user has a feed.
func contactFor(c model.Contact, userID string, profiles map[string]model.Contact) model.Contact {
	if userID == "" {
		return c
	}
	c = c.Fill(profiles[userID])
	if c.SummaryID == "" {
		c.SummaryID = userID
	}
	return c
}

func userIDs(in ResolveInput) []string {
	set := map[string]struct{}{}
	if in.Box != nil && in.Message.Policy.UsesBox() {
		for _, r := range in.Box.Recipients {
			if r.UserID != "" {
				set[r.UserID] = struct{}{}
			}
		}
	}
	for _, id := range explicitUserIDs(in) {
		set[id] = struct{}{}
	}
	return sortedKeys(set)
}

func explicitUserIDs(in ResolveInput) []string {
	set := map[string]struct{}{}
	if in.Message.Policy.UsesExplicit() {
		for _, x := range in.Message.Explicit {
			if x.UserID != "" {
				set[x.UserID] = struct{}{}
			}
		}
	}
	if in.Message.Policy.UsesGlobal() {
		for _, x := range in.Global {
			if x.UserID != "" {
				set[x.UserID] = struct{}{}
			}
		}
	}
	return sortedKeys(set)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
