package filter

import (
	"fmt"

	"firestige.xyz/rawring/internal/core"
)

// Chain evaluates its rules in order; a frame passes only if every rule
// lets it through. The zero Chain passes everything.
type Chain struct {
	rules []Rule
}

// NewChain builds a chain from configured rules.
func NewChain(cfgs []RuleConfig) (*Chain, error) {
	if len(cfgs) > MaxRules {
		return nil, fmt.Errorf("%d filter rules, at most %d: %w", len(cfgs), MaxRules, core.ErrConfigInvalid)
	}
	c := &Chain{rules: make([]Rule, 0, len(cfgs))}
	for i, rc := range cfgs {
		r, err := ParseRule(rc)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		c.rules = append(c.rules, r)
	}
	return c, nil
}

// Len returns the number of rules.
func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.rules)
}

// Pass reports whether f is admitted.
func (c *Chain) Pass(f *core.Frame) bool {
	if c == nil {
		return true
	}
	for _, r := range c.rules {
		if !r.pass(f) {
			return false
		}
	}
	return true
}
