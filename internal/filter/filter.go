// Package filter implements byte-pattern admission rules applied to frames
// before they are written to a ring.
package filter

import (
	"encoding/hex"
	"fmt"

	"firestige.xyz/rawring/internal/core"
)

// MaxRules bounds the number of rules per buffer.
const MaxRules = 16

// RuleConfig is the configuration form of a Rule. Pattern is hex encoded.
type RuleConfig struct {
	Offset        int    `mapstructure:"offset" yaml:"offset"`
	Pattern       string `mapstructure:"pattern" yaml:"pattern"`
	RejectOnMatch bool   `mapstructure:"reject_on_match" yaml:"reject_on_match"`
}

// Rule compares Pattern against the frame bytes at Offset. A required rule
// admits only matching frames; a reject rule drops matching frames.
type Rule struct {
	Offset        int
	Pattern       []byte
	RejectOnMatch bool
}

// ParseRule decodes a RuleConfig.
func ParseRule(rc RuleConfig) (Rule, error) {
	if rc.Offset < 0 {
		return Rule{}, fmt.Errorf("filter offset %d: %w", rc.Offset, core.ErrConfigInvalid)
	}
	p, err := hex.DecodeString(rc.Pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("filter pattern %q: %w", rc.Pattern, err)
	}
	if len(p) == 0 {
		return Rule{}, fmt.Errorf("filter pattern is empty: %w", core.ErrConfigInvalid)
	}
	return Rule{Offset: rc.Offset, Pattern: p, RejectOnMatch: rc.RejectOnMatch}, nil
}

// pass reports whether the frame survives this rule.
func (r Rule) pass(f *core.Frame) bool {
	if r.Offset+len(r.Pattern) > f.CapturedLen() {
		// A required pattern cannot match a frame that is too short.
		return r.RejectOnMatch
	}
	return matchAt(f.Fragments, r.Offset, r.Pattern) != r.RejectOnMatch
}

// matchAt compares pattern against the concatenated fragments at off.
func matchAt(frags [][]byte, off int, pattern []byte) bool {
	for _, frag := range frags {
		if off >= len(frag) {
			off -= len(frag)
			continue
		}
		n := len(frag) - off
		if n > len(pattern) {
			n = len(pattern)
		}
		for i := 0; i < n; i++ {
			if frag[off+i] != pattern[i] {
				return false
			}
		}
		pattern = pattern[n:]
		off = 0
		if len(pattern) == 0 {
			return true
		}
	}
	return len(pattern) == 0
}
