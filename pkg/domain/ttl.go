package domain

import "time"

const DefaultTTLMinutes = 60

var DefaultTTLPresets = []int{1, 10, 60, 360, 1440, 10080, 43200}

// TTLMenu is the fixed set of lifetimes a paste may be created with.
type TTLMenu struct {
	presets  []int
	fallback int
}

// NewTTLMenu builds a menu; fallback is used for unknown choices and must be
// one of presets, otherwise the first preset is used.
func NewTTLMenu(presets []int, fallback int) TTLMenu {
	var clean []int
	for _, p := range presets {
		if p > 0 {
			clean = append(clean, p)
		}
	}
	if len(clean) == 0 {
		clean = append(clean, DefaultTTLPresets...)
	}
	m := TTLMenu{presets: clean, fallback: clean[0]}
	for _, p := range clean {
		if p == fallback {
			m.fallback = fallback
		}
	}
	return m
}

// Resolve maps a requested minute value onto the menu. Unrecognized or
// missing values get the fallback rather than an error.
func (m TTLMenu) Resolve(minutes int) time.Duration {
	for _, p := range m.presets {
		if p == minutes {
			return time.Duration(p) * time.Minute
		}
	}
	return time.Duration(m.fallback) * time.Minute
}

func (m TTLMenu) Presets() []int {
	out := make([]int, len(m.presets))
	copy(out, m.presets)
	return out
}
