// Package rewrite turns a recipient address into the ordered list of
// candidate addresses to look up: the normalized address, its
// subaddress-stripped form and an optional catch-all.
package rewrite

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Mode selects how a Rule maps an address.
type Mode int

const (
	ModeDisabled Mode = iota
	ModeDefault
	ModeCustom
)

// Rule is a compiled address mapping. The zero value is disabled.
type Rule struct {
	mode     Mode
	re       *regexp.Regexp
	template string
}

// Default returns the built-in rule for its step.
func Default() Rule {
	return Rule{mode: ModeDefault}
}

// Disabled returns a rule that never produces a candidate.
func Disabled() Rule {
	return Rule{}
}

// Compile builds a custom rule from a regular expression and a
// replacement template referencing capture groups as $1 or ${1}.
func Compile(pattern, template string) (Rule, error) {
	if pattern == "" {
		return Rule{}, fmt.Errorf("empty rewrite pattern")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("invalid rewrite pattern %q: %w", pattern, err)
	}
	return Rule{mode: ModeCustom, re: re, template: template}, nil
}

// Mode returns the rule mode.
func (r Rule) Mode() Mode {
	return r.mode
}

// String returns a description of the rule for logging.
func (r Rule) String() string {
	switch r.mode {
	case ModeDefault:
		return "default"
	case ModeCustom:
		return fmt.Sprintf("map %q to %q", r.re.String(), r.template)
	default:
		return "disabled"
	}
}

// apply expands a custom rule. The second return is false when the
// pattern does not match or the expansion is empty.
func (r Rule) apply(address string) (string, bool) {
	match := r.re.FindStringSubmatchIndex(address)
	if match == nil {
		return "", false
	}
	out := string(r.re.ExpandString(nil, r.template, address, match))
	if out == "" {
		return "", false
	}
	return out, true
}

// Options configures an Engine.
type Options struct {
	Subaddressing  Rule
	CatchAll       Rule
	LowercaseLocal bool
}

// Engine produces lookup candidates for addresses. It holds no state
// beyond its compiled rules and is safe for concurrent use.
type Engine struct {
	opts Options
}

// New creates an engine.
func New(opts Options) *Engine {
	return &Engine{opts: opts}
}

// Normalize applies Unicode NFC, trims surrounding space and lowercases
// the domain. The local part is lowercased only with LowercaseLocal.
func (e *Engine) Normalize(address string) string {
	address = norm.NFC.String(strings.TrimSpace(address))

	at := strings.LastIndexByte(address, '@')
	if at < 0 {
		if e.opts.LowercaseLocal {
			return strings.ToLower(address)
		}
		return address
	}

	local, domain := address[:at], address[at+1:]
	if e.opts.LowercaseLocal {
		local = strings.ToLower(local)
	}
	return local + "@" + strings.ToLower(domain)
}

// Candidates returns the addresses to try in order, first match wins:
// the subaddress-stripped form, the normalized address, then the
// catch-all. Duplicates are removed.
func (e *Engine) Candidates(address string) []string {
	normalized := e.Normalize(address)
	if normalized == "" {
		return nil
	}

	out := make([]string, 0, 3)
	add := func(s string) {
		if s == "" {
			return
		}
		for _, existing := range out {
			if existing == s {
				return
			}
		}
		out = append(out, s)
	}

	if stripped, ok := e.subaddress(normalized); ok {
		add(stripped)
	}
	add(normalized)

	if catchAll, ok := e.catchAll(normalized); ok {
		add(catchAll)
	}

	return out
}

func (e *Engine) subaddress(address string) (string, bool) {
	switch e.opts.Subaddressing.mode {
	case ModeDefault:
		return StripDetail(address)
	case ModeCustom:
		return e.opts.Subaddressing.apply(address)
	default:
		return "", false
	}
}

func (e *Engine) catchAll(address string) (string, bool) {
	switch e.opts.CatchAll.mode {
	case ModeDefault:
		at := strings.LastIndexByte(address, '@')
		if at < 0 || at == len(address)-1 {
			return "", false
		}
		return address[at:], true
	case ModeCustom:
		return e.opts.CatchAll.apply(address)
	default:
		return "", false
	}
}

// StripDetail removes the +detail suffix from the local part:
// "jane+news@example.org" becomes "jane@example.org". Addresses without
// a detail, or whose local part would become empty, are not rewritten.
func StripDetail(address string) (string, bool) {
	at := strings.LastIndexByte(address, '@')
	if at < 0 {
		return "", false
	}
	local, domain := address[:at], address[at:]

	plus := strings.IndexByte(local, '+')
	if plus <= 0 {
		return "", false
	}
	return local[:plus] + domain, true
}
