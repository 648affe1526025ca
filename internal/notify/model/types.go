package model

import (
	"fmt"
	"strings"
	"time"
)

// Collections in the document store.
const (
	CollBoxes         = "boxes"
	CollUsers         = "users"
	CollNotifications = "notifications"
	CollSummaries     = "summaries"
	CollWeeks         = "weeks"
	CollProfiles      = "profiles"
)

const (
	SummaryCapacity = 1000
	WeekCapacity    = 5000
)

// TargetRef names the domain entity a registry belongs to.
type TargetRef struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

func (r TargetRef) Valid() bool {
	return strings.TrimSpace(r.Collection) != "" && strings.TrimSpace(r.ID) != ""
}

func (r TargetRef) String() string { return r.Collection + "/" + r.ID }

// BoxID derives the registry id from its target so no lookup index is needed.
func BoxID(r TargetRef) string { return r.Collection + "_" + r.ID }

// UserTarget is the target of a user's own summary registry.
func UserTarget(userID string) TargetRef { return TargetRef{Collection: CollUsers, ID: userID} }

// Recipient is one entry of a Box.
type Recipient struct {
	Index  int    `json:"index"`
	UserID string `json:"userId,omitempty"`
	Contact
	Config TypeConfig `json:"config,omitempty"`
	OptOut bool       `json:"optOut,omitempty"`
	// Locked entries are owned by the user's registry; direct edits are
	// rejected unless forced.
	Locked bool `json:"locked,omitempty"`
}

// Box is the per-target recipient registry (NotificationBox).
type Box struct {
	ID         string      `json:"id"`
	Model      TargetRef   `json:"model"`
	CreatedAt  int64       `json:"createdAt"`
	UpdatedAt  int64       `json:"updatedAt,omitempty"`
	Recipients []Recipient `json:"recipients,omitempty"`
	NextIndex  int         `json:"nextIndex"`
	// WeekCode is the archival period most recently written for this box.
	WeekCode  string `json:"weekCode,omitempty"`
	NeedsInit bool   `json:"needsInit"`
	Invalid   bool   `json:"invalid"`
}

// NewBox returns an uninitialized registry for target.
func NewBox(target TargetRef, now time.Time) *Box {
	return &Box{
		ID:        BoxID(target),
		Model:     target,
		CreatedAt: now.UnixMilli(),
		NeedsInit: true,
	}
}

// FindUser returns the position of the entry bound to userID, or -1.
func (b *Box) FindUser(userID string) int {
	if userID == "" {
		return -1
	}
	for i := range b.Recipients {
		if b.Recipients[i].UserID == userID {
			return i
		}
	}
	return -1
}

// FindIndex returns the position of the entry with the given stable index, or -1.
func (b *Box) FindIndex(index int) int {
	for i := range b.Recipients {
		if b.Recipients[i].Index == index {
			return i
		}
	}
	return -1
}

// FindContact returns the position of an entry sharing any normalized
// contact value with c, or -1.
func (b *Box) FindContact(c Contact) int {
	for i := range b.Recipients {
		r := &b.Recipients[i]
		for _, ch := range Channels {
			if id := c.Identity(ch); id != "" && id == r.Identity(ch) {
				return i
			}
		}
	}
	return -1
}

// Append adds an entry with a fresh index and returns that index.
// Indexes are never reused, even after removal.
func (b *Box) Append(r Recipient) int {
	if b.NextIndex <= 0 {
		b.NextIndex = 1
		for _, e := range b.Recipients {
			if e.Index >= b.NextIndex {
				b.NextIndex = e.Index + 1
			}
		}
	}
	r.Index = b.NextIndex
	b.NextIndex++
	b.Recipients = append(b.Recipients, r)
	return r.Index
}

// Remove drops the entry at position pos.
func (b *Box) Remove(pos int) {
	b.Recipients = append(b.Recipients[:pos], b.Recipients[pos+1:]...)
}

// UserBoxConfig is the user-side mirror of one recipient entry.
type UserBoxConfig struct {
	BoxID  string     `json:"boxId"`
	Config TypeConfig `json:"config,omitempty"`
	// Applied is the effective config last pushed into the box. Entry
	// toggles differing from it were edited box-side.
	Applied       TypeConfig `json:"applied,omitempty"`
	AppliedOptOut bool       `json:"appliedOptOut,omitempty"`
	OptOut        bool       `json:"optOut,omitempty"`
	// Locked is pushed into the entry; see Recipient.Locked.
	Locked    bool `json:"locked,omitempty"`
	Removed   bool `json:"removed,omitempty"`
	NeedsSync bool `json:"needsSync,omitempty"`
	LastIndex int  `json:"lastIndex,omitempty"`
}

// User is the per-user registry (NotificationUser).
type User struct {
	ID string `json:"id"`
	// Boxes lists the registries the user has a live entry in, as of the
	// last sync. Configs keeps removed boxes so a re-add can adopt them.
	Boxes    []string        `json:"boxes,omitempty"`
	Global   TypeConfig      `json:"global,omitempty"`
	Defaults TypeConfig      `json:"defaults,omitempty"`
	Configs  []UserBoxConfig `json:"configs,omitempty"`
	// NeedsSync is cleared once no per-box config is flagged.
	NeedsSync bool  `json:"needsSync"`
	Blocked   bool  `json:"blocked,omitempty"`
	UpdatedAt int64 `json:"updatedAt,omitempty"`
}

// Config returns the per-box config for boxID, or nil.
func (u *User) Config(boxID string) *UserBoxConfig {
	for i := range u.Configs {
		if u.Configs[i].BoxID == boxID {
			return &u.Configs[i]
		}
	}
	return nil
}

// EnsureConfig returns the per-box config for boxID, creating it.
func (u *User) EnsureConfig(boxID string) *UserBoxConfig {
	if c := u.Config(boxID); c != nil {
		return c
	}
	u.Configs = append(u.Configs, UserBoxConfig{BoxID: boxID})
	u.addBox(boxID)
	return &u.Configs[len(u.Configs)-1]
}

func (u *User) addBox(boxID string) {
	for _, b := range u.Boxes {
		if b == boxID {
			return
		}
	}
	u.Boxes = append(u.Boxes, boxID)
}

// TrackBox adds or drops boxID from Boxes.
func (u *User) TrackBox(boxID string, present bool) {
	if present {
		u.addBox(boxID)
		return
	}
	for i, b := range u.Boxes {
		if b == boxID {
			u.Boxes = append(u.Boxes[:i], u.Boxes[i+1:]...)
			return
		}
	}
}

// RefreshNeedsSync recomputes the user-level flag from the per-box flags.
func (u *User) RefreshNeedsSync() {
	u.NeedsSync = false
	for _, c := range u.Configs {
		if c.NeedsSync {
			u.NeedsSync = true
			return
		}
	}
}

// FlaggedBoxes lists box ids whose configs await sync.
func (u *User) FlaggedBoxes() []string {
	var out []string
	for _, c := range u.Configs {
		if c.NeedsSync {
			out = append(out, c.BoxID)
		}
	}
	return out
}

// ContentItem is the renderable payload of a message.
type ContentItem struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Subject   string         `json:"subject,omitempty"`
	Body      string         `json:"body,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	CreatedAt int64          `json:"createdAt"`
}

// ExplicitRecipient is a recipient named directly on a message or returned
// by the message factory as a global recipient.
type ExplicitRecipient struct {
	UserID string `json:"userId,omitempty"`
	Contact
}

// SendPolicy selects which recipient sources a message uses.
type SendPolicy string

const (
	PolicyNormal       SendPolicy = "normal"
	PolicySkipBox      SendPolicy = "skip-box"
	PolicySkipGlobal   SendPolicy = "skip-global"
	PolicyOnlyExplicit SendPolicy = "only-explicit"
	PolicyOnlyGlobal   SendPolicy = "only-global"
)

func (p SendPolicy) Valid() bool {
	switch p {
	case "", PolicyNormal, PolicySkipBox, PolicySkipGlobal, PolicyOnlyExplicit, PolicyOnlyGlobal:
		return true
	}
	return false
}

func (p SendPolicy) UsesBox() bool {
	return p == "" || p == PolicyNormal || p == PolicySkipGlobal
}

func (p SendPolicy) UsesGlobal() bool {
	return p == "" || p == PolicyNormal || p == PolicySkipBox || p == PolicyOnlyGlobal
}

func (p SendPolicy) UsesExplicit() bool {
	return p != PolicyOnlyGlobal
}

// BoxPolicy decides what dispatch does when the target registry is missing.
type BoxPolicy string

const (
	BoxCreate  BoxPolicy = "create"
	BoxAbandon BoxPolicy = "abandon"
	BoxProceed BoxPolicy = "proceed"
)

func (p BoxPolicy) Valid() bool {
	switch p {
	case "", BoxCreate, BoxAbandon, BoxProceed:
		return true
	}
	return false
}

// Notification is one queued multi-channel message.
type Notification struct {
	ID        string              `json:"id"`
	BoxID     string              `json:"boxId"`
	Target    TargetRef           `json:"target"`
	Content   ContentItem         `json:"content"`
	Explicit  []ExplicitRecipient `json:"explicit,omitempty"`
	Policy    SendPolicy          `json:"policy,omitempty"`
	BoxPolicy BoxPolicy           `json:"boxPolicy,omitempty"`

	SendAfter int64         `json:"sendAfter"`
	Attempts  int           `json:"attempts"`
	Done      bool          `json:"done"`
	GaveUp    bool          `json:"gaveUp,omitempty"`
	States    ChannelStates `json:"states"`
	Sent      SentSets      `json:"sent"`
	LastError string        `json:"lastError,omitempty"`

	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt,omitempty"`
}

// RefreshDone marks the message done once every channel is terminal.
func (n *Notification) RefreshDone() bool {
	if n.States.Complete() {
		n.Done = true
	}
	return n.Done
}

// SummaryItem is one delivered content item in a summary feed.
type SummaryItem struct {
	MessageID string      `json:"messageId"`
	BoxID     string      `json:"boxId,omitempty"`
	Content   ContentItem `json:"content"`
	At        int64       `json:"at"`
}

// Summary is the per-recipient feed (NotificationSummary).
type Summary struct {
	ID           string        `json:"id"`
	Model        TargetRef     `json:"model"`
	Items        []SummaryItem `json:"items,omitempty"`
	LastActivity int64         `json:"lastActivity"`
	CreatedAt    int64         `json:"createdAt"`
	NeedsInit    bool          `json:"needsInit"`
	Invalid      bool          `json:"invalid"`
}

// Push appends items, dropping the oldest beyond SummaryCapacity.
// Items already present (same message) are skipped.
func (s *Summary) Push(at time.Time, items ...SummaryItem) int {
	added := 0
	for _, it := range items {
		dup := false
		for _, cur := range s.Items {
			if cur.MessageID == it.MessageID {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		s.Items = append(s.Items, it)
		added++
	}
	if over := len(s.Items) - SummaryCapacity; over > 0 {
		s.Items = append([]SummaryItem(nil), s.Items[over:]...)
	}
	if added > 0 {
		s.LastActivity = at.UnixMilli()
	}
	return added
}

// Week is the weekly archive of one box (NotificationWeek).
type Week struct {
	ID        string        `json:"id"`
	BoxID     string        `json:"boxId"`
	Code      string        `json:"code"`
	Part      int           `json:"part"`
	Items     []ContentItem `json:"items,omitempty"`
	UpdatedAt int64         `json:"updatedAt,omitempty"`
}

func (w *Week) Full() bool { return len(w.Items) >= WeekCapacity }

// WeekCode returns the ISO-8601 week of t, e.g. "2026-W42".
func WeekCode(t time.Time) string {
	y, w := t.ISOWeek()
	return fmt.Sprintf("%04d-W%02d", y, w)
}

// WeekID names part n of a box's archive for one week. Part 0 has no suffix.
func WeekID(boxID, code string, part int) string {
	if part <= 0 {
		return boxID + "_" + code
	}
	return fmt.Sprintf("%s_%s.%d", boxID, code, part)
}
