package model

import "maps"

// Toggle is a tri-state channel switch. Only an explicit Off disables.
type Toggle string

const (
	Unset Toggle = ""
	On    Toggle = "on"
	Off   Toggle = "off"
)

func (t Toggle) IsSet() bool { return t == On || t == Off }

// ChannelToggles configures the three channels for one template type.
type ChannelToggles struct {
	Email   Toggle `json:"email,omitempty"`
	Text    Toggle `json:"text,omitempty"`
	Summary Toggle `json:"summary,omitempty"`
}

func (ct ChannelToggles) Get(c Channel) Toggle {
	switch c {
	case ChannelEmail:
		return ct.Email
	case ChannelText:
		return ct.Text
	case ChannelSummary:
		return ct.Summary
	}
	return Unset
}

func (ct *ChannelToggles) Set(c Channel, t Toggle) {
	switch c {
	case ChannelEmail:
		ct.Email = t
	case ChannelText:
		ct.Text = t
	case ChannelSummary:
		ct.Summary = t
	}
}

func (ct ChannelToggles) IsZero() bool {
	return ct.Email == Unset && ct.Text == Unset && ct.Summary == Unset
}

// AnyType is the TypeConfig key applied when a template type has no
// explicit toggle of its own.
const AnyType = "*"

// TypeConfig maps template type to channel toggles.
type TypeConfig map[string]ChannelToggles

// Toggle returns the toggle for (templateType, channel), falling back to
// the AnyType entry.
func (tc TypeConfig) Toggle(templateType string, c Channel) Toggle {
	if t := tc[templateType].Get(c); t.IsSet() {
		return t
	}
	return tc[AnyType].Get(c)
}

// Enabled reports whether the channel is not explicitly switched off.
func (tc TypeConfig) Enabled(templateType string, c Channel) bool {
	return tc.Toggle(templateType, c) != Off
}

// Normalize drops empty entries and returns nil for an empty config so
// equal configs compare equal regardless of encoding history.
func (tc TypeConfig) Normalize() TypeConfig {
	var out TypeConfig
	for k, v := range tc {
		if v.IsZero() {
			continue
		}
		if out == nil {
			out = TypeConfig{}
		}
		out[k] = v
	}
	return out
}

func (tc TypeConfig) Clone() TypeConfig {
	if tc == nil {
		return nil
	}
	return maps.Clone(tc)
}

func (tc TypeConfig) Equal(other TypeConfig) bool {
	return maps.Equal(tc.Normalize(), other.Normalize())
}

// MergeConfigs layers configs per type and channel. The first set toggle
// wins, so callers pass them highest precedence first.
func MergeConfigs(layers ...TypeConfig) TypeConfig {
	keys := map[string]struct{}{}
	for _, l := range layers {
		for k := range l {
			keys[k] = struct{}{}
		}
	}
	out := TypeConfig{}
	for k := range keys {
		var merged ChannelToggles
		for _, c := range Channels {
			for _, l := range layers {
				if t := l[k].Get(c); t.IsSet() {
					merged.Set(c, t)
					break
				}
			}
		}
		out[k] = merged
	}
	return out.Normalize()
}

// DiffConfig returns the toggles of next that differ from base.
// Toggles cleared in next are not reported.
func DiffConfig(base, next TypeConfig) TypeConfig {
	keys := map[string]struct{}{}
	for k := range base {
		keys[k] = struct{}{}
	}
	for k := range next {
		keys[k] = struct{}{}
	}
	out := TypeConfig{}
	for k := range keys {
		var d ChannelToggles
		for _, c := range Channels {
			if n := next[k].Get(c); n != base[k].Get(c) {
				d.Set(c, n)
			}
		}
		out[k] = d
	}
	return out.Normalize()
}
