package model

import (
	"strings"
	"unicode"
)

// Contact is the deliverable identity of a person on each channel.
type Contact struct {
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	SummaryID string `json:"summaryId,omitempty"`
}

func (c Contact) IsZero() bool {
	return c.Email == "" && c.Phone == "" && c.SummaryID == "" && c.Name == ""
}

// Identity returns the normalized channel identity, or "" when the contact
// cannot be reached on c.
func (c Contact) Identity(ch Channel) string {
	switch ch {
	case ChannelEmail:
		return NormalizeEmail(c.Email)
	case ChannelText:
		return NormalizePhone(c.Phone)
	case ChannelSummary:
		return strings.TrimSpace(c.SummaryID)
	}
	return ""
}

// Fill returns c with empty fields taken from fallback.
func (c Contact) Fill(fallback Contact) Contact {
	if c.Name == "" {
		c.Name = fallback.Name
	}
	if c.Email == "" {
		c.Email = fallback.Email
	}
	if c.Phone == "" {
		c.Phone = fallback.Phone
	}
	if c.SummaryID == "" {
		c.SummaryID = fallback.SummaryID
	}
	return c
}

func NormalizeEmail(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if !strings.Contains(s, "@") {
		return ""
	}
	return s
}

// NormalizePhone keeps digits only. A leading "+" is dropped so "+1 555"
// and "1-555" collide.
func NormalizePhone(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	if b.Len() < 3 {
		return ""
	}
	return b.String()
}
