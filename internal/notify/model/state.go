package model

import "fmt"

// Channel is one delivery medium.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelText    Channel = "text"
	ChannelSummary Channel = "summary"
)

// Channels lists every channel in dispatch order.
var Channels = [...]Channel{ChannelEmail, ChannelText, ChannelSummary}

func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelText, ChannelSummary:
		return true
	}
	return false
}

// SendState is the per-channel delivery state of a message.
type SendState string

const (
	StateNone        SendState = "none" // channel not applicable
	StateQueued      SendState = "queued"
	StateSent        SendState = "sent"
	StateSkipped     SendState = "skipped"
	StateNoRetry     SendState = "no-retry"
	StatePartial     SendState = "partial"
	StateSendError   SendState = "send-error"
	StateBuildError  SendState = "build-error"
	StateConfigError SendState = "config-error"
)

// Terminal reports whether the channel needs no further work.
func (s SendState) Terminal() bool {
	switch s {
	case StateNone, "", StateNoRetry, StateSent, StateSkipped:
		return true
	}
	return false
}

// Retryable reports whether the dispatcher should (re)attempt the channel.
func (s SendState) Retryable() bool {
	switch s {
	case StateQueued, StatePartial, StateSendError, StateBuildError, StateConfigError:
		return true
	}
	return false
}

// ChannelStates holds one independent state per channel.
type ChannelStates struct {
	Email   SendState `json:"email"`
	Text    SendState `json:"text"`
	Summary SendState `json:"summary"`
}

func (cs ChannelStates) Get(c Channel) SendState {
	switch c {
	case ChannelEmail:
		return cs.Email
	case ChannelText:
		return cs.Text
	case ChannelSummary:
		return cs.Summary
	}
	return StateNone
}

func (cs *ChannelStates) Set(c Channel, s SendState) {
	switch c {
	case ChannelEmail:
		cs.Email = s
	case ChannelText:
		cs.Text = s
	case ChannelSummary:
		cs.Summary = s
	default:
		panic(fmt.Sprintf("model: unknown channel %q", c))
	}
}

// Complete is true once every channel is terminal.
func (cs ChannelStates) Complete() bool {
	for _, c := range Channels {
		if !cs.Get(c).Terminal() {
			return false
		}
	}
	return true
}

// SentSets accumulates, per channel, identities already delivered to.
// Identities are channel specific: address, phone digits or summary id.
type SentSets struct {
	Email   []string `json:"email,omitempty"`
	Text    []string `json:"text,omitempty"`
	Summary []string `json:"summary,omitempty"`
}

func (s SentSets) Get(c Channel) []string {
	switch c {
	case ChannelEmail:
		return s.Email
	case ChannelText:
		return s.Text
	case ChannelSummary:
		return s.Summary
	}
	return nil
}

func (s SentSets) Has(c Channel, identity string) bool {
	for _, v := range s.Get(c) {
		if v == identity {
			return true
		}
	}
	return false
}

// Add merges identities into the channel's set, keeping it duplicate free.
func (s *SentSets) Add(c Channel, ids ...string) {
	cur := s.Get(c)
	seen := make(map[string]struct{}, len(cur)+len(ids))
	for _, v := range cur {
		seen[v] = struct{}{}
	}
	for _, v := range ids {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		cur = append(cur, v)
	}
	switch c {
	case ChannelEmail:
		s.Email = cur
	case ChannelText:
		s.Text = cur
	case ChannelSummary:
		s.Summary = cur
	}
}
