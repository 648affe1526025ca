package model

import (
	"fmt"
	"testing"
	"time"
)

func TestChannelStates_Complete(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cs   ChannelStates
		want bool
	}{
		{"all none", ChannelStates{StateNone, StateNone, StateNone}, true},
		{"zero value", ChannelStates{}, true},
		{"terminal mix", ChannelStates{StateSent, StateSkipped, StateNoRetry}, true},
		{"queued", ChannelStates{StateSent, StateQueued, StateNone}, false},
		{"partial", ChannelStates{StatePartial, StateNone, StateNone}, false},
		{"send error", ChannelStates{StateNone, StateNone, StateSendError}, false},
		{"build error", ChannelStates{StateBuildError, StateNone, StateNone}, false},
		{"config error", ChannelStates{StateNone, StateConfigError, StateNone}, false},
	}
	for _, tc := range cases {
		if got := tc.cs.Complete(); got != tc.want {
			t.Fatalf("%s: Complete()=%v want %v", tc.name, got, tc.want)
		}
	}
}

func TestSentSets_AddDedups(t *testing.T) {
	t.Parallel()
	var s SentSets
	s.Add(ChannelEmail, "a@x.io", "b@x.io", "a@x.io", "")
	s.Add(ChannelEmail, "b@x.io", "c@x.io")
	if got := len(s.Email); got != 3 {
		t.Fatalf("len=%d want 3 (%v)", got, s.Email)
	}
	if !s.Has(ChannelEmail, "c@x.io") || s.Has(ChannelText, "c@x.io") {
		t.Fatalf("Has mismatch: %+v", s)
	}
}

func TestTypeConfig_ToggleFallsBackToAnyType(t *testing.T) {
	t.Parallel()
	tc := TypeConfig{
		AnyType:   {Email: Off},
		"comment": {Email: On},
	}
	if !tc.Enabled("comment", ChannelEmail) {
		t.Fatalf("type-specific On should win over AnyType Off")
	}
	if tc.Enabled("invoice", ChannelEmail) {
		t.Fatalf("AnyType Off should apply to unconfigured types")
	}
	if !tc.Enabled("invoice", ChannelText) {
		t.Fatalf("unset toggles must stay enabled")
	}
}

func TestMergeConfigs_Precedence(t *testing.T) {
	t.Parallel()
	global := TypeConfig{"a": {Email: Off}}
	perBox := TypeConfig{"a": {Email: On, Text: Off}, "b": {Summary: Off}}
	existing := TypeConfig{"a": {Text: On, Summary: On}, "c": {Email: Off}}

	got := MergeConfigs(global, perBox, existing)
	want := TypeConfig{
		"a": {Email: Off, Text: Off, Summary: On},
		"b": {Summary: Off},
		"c": {Email: Off},
	}
	if !got.Equal(want) {
		t.Fatalf("merge = %v want %v", got, want)
	}
}

func TestDiffConfig(t *testing.T) {
	t.Parallel()
	base := TypeConfig{"a": {Email: On, Text: Off}}
	next := TypeConfig{"a": {Email: Off}, "b": {Text: On}}
	got := DiffConfig(base, next)
	want := TypeConfig{"a": {Email: Off}, "b": {Text: On}}
	if !got.Equal(want) {
		t.Fatalf("diff = %v want %v", got, want)
	}
	if d := DiffConfig(base, base); len(d) != 0 {
		t.Fatalf("self diff = %v", d)
	}
}

func TestTypeConfig_EqualIgnoresEmptyEntries(t *testing.T) {
	t.Parallel()
	if !(TypeConfig{"x": {}}).Equal(nil) {
		t.Fatalf("empty entries should not affect equality")
	}
}

func TestContactIdentity(t *testing.T) {
	t.Parallel()
	c := Contact{Email: "  Ann@Example.COM ", Phone: "+1 (555) 010-2000", SummaryID: "u1"}
	if got := c.Identity(ChannelEmail); got != "ann@example.com" {
		t.Fatalf("email identity = %q", got)
	}
	if got := c.Identity(ChannelText); got != "15550102000" {
		t.Fatalf("phone identity = %q", got)
	}
	if got := (Contact{Email: "not-an-address"}).Identity(ChannelEmail); got != "" {
		t.Fatalf("bad email should normalize to empty, got %q", got)
	}
}

func TestBox_AppendNeverReusesIndex(t *testing.T) {
	t.Parallel()
	b := NewBox(TargetRef{Collection: "projects", ID: "p1"}, time.Unix(0, 0))
	if b.ID != "projects_p1" || !b.NeedsInit {
		t.Fatalf("unexpected box %+v", b)
	}
	i1 := b.Append(Recipient{UserID: "u1"})
	i2 := b.Append(Recipient{UserID: "u2"})
	b.Remove(b.FindIndex(i2))
	i3 := b.Append(Recipient{UserID: "u3"})
	if i1 != 1 || i2 != 2 || i3 != 3 {
		t.Fatalf("indexes = %d,%d,%d", i1, i2, i3)
	}
	if b.FindUser("u2") != -1 || b.FindUser("u3") != 1 {
		t.Fatalf("FindUser mismatch: %+v", b.Recipients)
	}
}

func TestSummary_PushCapsAndDedups(t *testing.T) {
	t.Parallel()
	var s Summary
	now := time.Unix(100, 0)
	for i := 0; i < SummaryCapacity+5; i++ {
		s.Push(now, SummaryItem{MessageID: fmt.Sprintf("m%04d", i)})
	}
	if len(s.Items) != SummaryCapacity {
		t.Fatalf("len=%d want %d", len(s.Items), SummaryCapacity)
	}
	if s.Items[0].MessageID != "m0005" {
		t.Fatalf("oldest kept = %s want m0005", s.Items[0].MessageID)
	}
	if n := s.Push(now, SummaryItem{MessageID: "m0010"}); n != 0 {
		t.Fatalf("duplicate push added %d", n)
	}
	if s.LastActivity != now.UnixMilli() {
		t.Fatalf("last activity = %d", s.LastActivity)
	}
}

func TestWeekCodeAndID(t *testing.T) {
	t.Parallel()
	// 2021-01-03 belongs to ISO week 53 of 2020.
	if got := WeekCode(time.Date(2021, 1, 3, 12, 0, 0, 0, time.UTC)); got != "2020-W53" {
		t.Fatalf("week code = %s", got)
	}
	if got := WeekID("b", "2026-W01", 0); got != "b_2026-W01" {
		t.Fatalf("week id = %s", got)
	}
	if got := WeekID("b", "2026-W01", 2); got != "b_2026-W01.2" {
		t.Fatalf("week id part = %s", got)
	}
}

func TestSendPolicySources(t *testing.T) {
	t.Parallel()
	cases := []struct {
		p                       SendPolicy
		box, global, explicitOK bool
	}{
		{PolicyNormal, true, true, true},
		{"", true, true, true},
		{PolicySkipBox, false, true, true},
		{PolicySkipGlobal, true, false, true},
		{PolicyOnlyExplicit, false, false, true},
		{PolicyOnlyGlobal, false, true, false},
	}
	for _, tc := range cases {
		if tc.p.UsesBox() != tc.box || tc.p.UsesGlobal() != tc.global || tc.p.UsesExplicit() != tc.explicitOK {
			t.Fatalf("%q: box=%v global=%v explicit=%v", tc.p, tc.p.UsesBox(), tc.p.UsesGlobal(), tc.p.UsesExplicit())
		}
	}
}
