// Package policy holds the versioned threshold configuration that the rule
// evaluator reads.
//
// A Policy is an immutable snapshot. Updates never modify a published
// snapshot: they build the next version, persist it, and swap the pointer
// readers load from.
package policy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mbd888/rcl/internal/rules"
)

// Errors
var (
	ErrNotFound               = errors.New("policy: not found")
	ErrVersionConflict        = errors.New("policy: version already exists")
	ErrPersistenceUnavailable = errors.New("policy: persistence unavailable")
	ErrNotLoaded              = errors.New("policy: no snapshot loaded")
)

const maxRuleIDLen = 64

// Policy is one published version of the rule set.
type Policy struct {
	Version   int
	UpdatedAt time.Time

	// rules holds decoded rules; unrecognized holds stored bodies whose
	// type this build does not know. Both are never mutated after publish.
	rules        map[string]rules.Rule
	unrecognized map[string]json.RawMessage
}

// Entry pairs a rule with its id.
type Entry struct {
	ID   string
	Rule rules.Rule
}

// Rule returns the rule with the given id.
func (p *Policy) Rule(id string) (rules.Rule, bool) {
	r, ok := p.rules[id]
	return r, ok
}

// Len returns the number of recognized rules.
func (p *Policy) Len() int { return len(p.rules) }

// Ordered returns the recognized rules in evaluation order: by kind
// priority (ceiling, velocity, cohort), then by id.
func (p *Policy) Ordered() []Entry {
	out := make([]Entry, 0, len(p.rules))
	for id, r := range p.rules {
		out = append(out, Entry{ID: id, Rule: r})
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := out[i].Rule.Kind().Priority(), out[j].Rule.Kind().Priority()
		if pi != pj {
			return pi < pj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Unrecognized returns the ids of stored rules with an unknown type, sorted.
func (p *Policy) Unrecognized() []string {
	ids := make([]string, 0, len(p.unrecognized))
	for id := range p.unrecognized {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Document renders the rule set as rule_id -> body, the shape it is
// stored and served in. Unrecognized bodies are returned untouched.
func (p *Policy) Document() (map[string]json.RawMessage, error) {
	doc := make(map[string]json.RawMessage, len(p.rules)+len(p.unrecognized))
	for id, r := range p.rules {
		raw, err := rules.Encode(r)
		if err != nil {
			return nil, fmt.Errorf("encode rule %s: %w", id, err)
		}
		doc[id] = raw
	}
	for id, raw := range p.unrecognized {
		doc[id] = raw
	}
	return doc, nil
}

// RuleInfo is the display projection served by ListRules.
type RuleInfo struct {
	ID          string     `json:"id"`
	Type        rules.Kind `json:"type"`
	Thresholds  rules.Rule `json:"thresholds"`
	Description string     `json:"description"`
}

// ListRules projects the recognized rules in evaluation order.
func (p *Policy) ListRules() []RuleInfo {
	entries := p.Ordered()
	out := make([]RuleInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, RuleInfo{
			ID:          e.ID,
			Type:        e.Rule.Kind(),
			Thresholds:  e.Rule,
			Description: e.Rule.Description(),
		})
	}
	return out
}

// ParseDocument checks that body is a JSON object of rule_id -> object and
// returns its members undecoded.
func ParseDocument(body []byte) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, rules.Invalid("", "policy must be a JSON object")
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, rules.Invalid("", fmt.Sprintf("invalid JSON: %v", err))
	}
	return doc, nil
}

// decodeAll validates every member of an update body. Any failure rejects
// the whole body.
func decodeAll(doc map[string]json.RawMessage) (map[string]rules.Rule, error) {
	ids := make([]string, 0, len(doc))
	for id := range doc {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make(map[string]rules.Rule, len(doc))
	for _, id := range ids {
		if err := validateID(id); err != nil {
			return nil, err
		}
		r, err := rules.Decode(id, doc[id])
		if err != nil {
			return nil, err
		}
		out[id] = r
	}
	return out, nil
}

func validateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return rules.Invalid(id, "rule id must not be empty")
	}
	if len(id) > maxRuleIDLen {
		return rules.Invalid(id, fmt.Sprintf("rule id must be at most %d characters", maxRuleIDLen))
	}
	return nil
}

// merge builds the next version from base and a validated update. Rule ids
// absent from the update keep their current body.
func merge(base *Policy, update map[string]rules.Rule, at time.Time) *Policy {
	next := &Policy{
		Version:      base.Version + 1,
		UpdatedAt:    at,
		rules:        make(map[string]rules.Rule, len(base.rules)+len(update)),
		unrecognized: make(map[string]json.RawMessage, len(base.unrecognized)),
	}
	for id, r := range base.rules {
		next.rules[id] = r
	}
	for id, raw := range base.unrecognized {
		next.unrecognized[id] = raw
	}
	for id, r := range update {
		next.rules[id] = r
		delete(next.unrecognized, id)
	}
	return next
}

// FromDocument builds a snapshot from a stored rule document. Bodies with
// an unknown "type" are kept aside instead of failing the load.
func FromDocument(version int, at time.Time, doc map[string]json.RawMessage) (*Policy, error) {
	p := &Policy{
		Version:      version,
		UpdatedAt:    at.UTC(),
		rules:        make(map[string]rules.Rule, len(doc)),
		unrecognized: make(map[string]json.RawMessage),
	}
	for id, raw := range doc {
		r, err := rules.Decode(id, raw)
		switch {
		case err == nil:
			p.rules[id] = r
		case errors.Is(err, rules.ErrUnknownKind):
			p.unrecognized[id] = raw
		default:
			return nil, fmt.Errorf("policy v%d: %w", version, err)
		}
	}
	return p, nil
}

func fromRecord(rec *Record) (*Policy, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(rec.Rules, &doc); err != nil {
		return nil, fmt.Errorf("policy v%d: corrupt rules: %w", rec.Version, err)
	}
	return FromDocument(rec.Version, rec.UpdatedAt, doc)
}

func toRecord(p *Policy) (*Record, error) {
	doc, err := p.Document()
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	return &Record{Version: p.Version, Rules: raw, UpdatedAt: p.UpdatedAt}, nil
}

// DefaultDocument is the rule set installed when the store is empty and no
// seed file is configured.
func DefaultDocument() map[string]json.RawMessage {
	return map[string]json.RawMessage{
		"R-CEIL":   json.RawMessage(`{"daily_limit": 500000, "action": "block"}`),
		"R-VEL":    json.RawMessage(`{"max_tx_per_hour": 50, "window_hours": 1, "action": "hold-for-review"}`),
		"R-COHORT": json.RawMessage(`{"block_threshold": 100000, "hold_threshold": 50000, "new_entity_days": 30}`),
	}
}
