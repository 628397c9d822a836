package rules

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNoRules indicates that configuration yielded zero usable sender
// rules; the monitor cannot run without at least one.
var ErrNoRules = errors.New("no valid sender rules configured")

// Rule maps a sender substring pattern to a destination route. Rules are
// immutable after load and evaluated in insertion order.
type Rule struct {
	Pattern     string `json:"pattern" yaml:"pattern"`
	Route       string `json:"route" yaml:"route"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Matches reports whether the rule's pattern occurs in sender,
// case-insensitively.
func (r Rule) Matches(sender string) bool {
	return strings.Contains(strings.ToLower(sender), strings.ToLower(r.Pattern))
}

// Table is an ordered, immutable collection of sender rules.
type Table struct {
	rules []Rule
}

// Match returns every rule whose pattern matches sender, in table order.
func (t *Table) Match(sender string) []Rule {
	var matched []Rule
	for _, r := range t.rules {
		if r.Matches(sender) {
			matched = append(matched, r)
		}
	}
	return matched
}

// Rules returns a copy of the table contents.
func (t *Table) Rules() []Rule {
	out := make([]Rule, len(t.rules))
	copy(out, t.rules)
	return out
}

// Len returns the number of loaded rules.
func (t *Table) Len() int {
	return len(t.rules)
}

// Loader builds rule tables from configuration.
type Loader struct {
	defaultRoute string
	logger       *log.Logger
}

// LoaderOption customizes loader behavior.
type LoaderOption func(*Loader)

// WithLogger overrides the logger used for load diagnostics.
func WithLogger(logger *log.Logger) LoaderOption {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLoader returns a loader that assigns defaultRoute to rules that do
// not name their own route.
func NewLoader(defaultRoute string, opts ...LoaderOption) *Loader {
	l := &Loader{
		defaultRoute: defaultRoute,
		logger:       log.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// FromPatterns parses a comma-separated pattern list into a rule table.
// Blank entries are dropped with a warning; an empty result is an error.
func (l *Loader) FromPatterns(patterns string) (*Table, error) {
	table := &Table{}
	for _, entry := range strings.Split(patterns, ",") {
		pattern := strings.TrimSpace(entry)
		if pattern == "" {
			l.logger.Printf("rules: skipping blank sender pattern entry")
			continue
		}
		table.rules = append(table.rules, Rule{
			Pattern:     pattern,
			Route:       l.defaultRoute,
			Description: fmt.Sprintf("Email alerts from pattern: %s", pattern),
		})
	}
	if len(table.rules) == 0 {
		return nil, fmt.Errorf("parse patterns %q: %w", patterns, ErrNoRules)
	}
	l.logLoaded(table)
	return table, nil
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// FromFile loads a YAML rules file. The document is validated against the
// rules schema before decoding; rules without a route fall back to the
// loader's default route.
func (l *Loader) FromFile(path string) (*Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	if err := validateRulesDocument(raw); err != nil {
		return nil, fmt.Errorf("rules file %s: %w", path, err)
	}

	var doc rulesFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode rules file %s: %w", path, err)
	}

	table := &Table{}
	for _, r := range doc.Rules {
		r.Pattern = strings.TrimSpace(r.Pattern)
		if r.Pattern == "" {
			l.logger.Printf("rules: skipping blank sender pattern entry in %s", path)
			continue
		}
		if r.Route == "" {
			r.Route = l.defaultRoute
		}
		if r.Description == "" {
			r.Description = fmt.Sprintf("Email alerts from pattern: %s", r.Pattern)
		}
		table.rules = append(table.rules, r)
	}
	if len(table.rules) == 0 {
		return nil, fmt.Errorf("rules file %s: %w", path, ErrNoRules)
	}
	l.logLoaded(table)
	return table, nil
}

func (l *Loader) logLoaded(t *Table) {
	l.logger.Printf("rules: loaded %d sender rule(s)", len(t.rules))
	for _, r := range t.rules {
		l.logger.Printf("rules:   %q -> %s", r.Pattern, r.Route)
	}
}
