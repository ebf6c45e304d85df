package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RuleKind tags a normalization rule variant.
//
// The rule set is a closed, versioned structured type rather than an opaque
// JSON blob so mappings can be validated when they are confirmed, not when
// rows are processed.
type RuleKind string

const (
	RuleTrim       RuleKind = "trim"
	RuleLower      RuleKind = "lower"
	RuleUpper      RuleKind = "upper"
	RuleReplace    RuleKind = "replace"
	RuleStripChars RuleKind = "strip_chars"
)

// Rule is one normalization step applied to a raw cell value before
// dimension resolution. Only the fields relevant to its Kind are set.
type Rule struct {
	Kind RuleKind `json:"kind"`

	// Replace
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	// StripChars
	Chars string `json:"chars,omitempty"`
}

// RuleSet is an ordered list of rules plus a schema version.
type RuleSet struct {
	Version int    `json:"version"`
	Rules   []Rule `json:"rules,omitempty"`
}

// CurrentRuleVersion is the rule schema version written by this code.
const CurrentRuleVersion = 1

// Validate checks every rule variant for well-formedness.
//
// Errors name the offending rule index so mapping confirmation can surface
// them per-column.
func (rs RuleSet) Validate() error {
	if rs.Version != 0 && rs.Version != CurrentRuleVersion {
		return fmt.Errorf("rules: unsupported version %d", rs.Version)
	}
	for i, r := range rs.Rules {
		switch r.Kind {
		case RuleTrim, RuleLower, RuleUpper:
			// No parameters.
		case RuleReplace:
			if r.From == "" {
				return fmt.Errorf("rules[%d]: replace requires a non-empty from", i)
			}
		case RuleStripChars:
			if r.Chars == "" {
				return fmt.Errorf("rules[%d]: strip_chars requires a non-empty chars", i)
			}
		default:
			return fmt.Errorf("rules[%d]: unknown kind %q", i, r.Kind)
		}
	}
	return nil
}

// Apply runs the rule set over a raw value in order.
func (rs RuleSet) Apply(v string) string {
	for _, r := range rs.Rules {
		switch r.Kind {
		case RuleTrim:
			v = strings.TrimSpace(v)
		case RuleLower:
			v = strings.ToLower(v)
		case RuleUpper:
			v = strings.ToUpper(v)
		case RuleReplace:
			v = strings.ReplaceAll(v, r.From, r.To)
		case RuleStripChars:
			v = strings.Map(func(c rune) rune {
				if strings.ContainsRune(r.Chars, c) {
					return -1
				}
				return c
			}, v)
		}
	}
	return v
}

// Empty reports whether the rule set contains no rules.
func (rs RuleSet) Empty() bool { return len(rs.Rules) == 0 }

// MarshalText serializes the rule set for storage. An empty set encodes
// as the empty string.
func (rs RuleSet) MarshalText() ([]byte, error) {
	if rs.Empty() {
		return nil, nil
	}
	out := rs
	if out.Version == 0 {
		out.Version = CurrentRuleVersion
	}
	return json.Marshal(out)
}

// UnmarshalText restores a rule set stored by MarshalText.
func (rs *RuleSet) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*rs = RuleSet{}
		return nil
	}
	return json.Unmarshal(b, rs)
}
