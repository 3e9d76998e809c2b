package rules

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrValidation  = errors.New("rules: validation failed")
	ErrUnknownKind = errors.New("rules: unknown rule type")
)

// ValidationError describes why a rule body was rejected.
type ValidationError struct {
	RuleID string
	Field  string
	Msg    string
	kind   bool
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("rule")
	if e.RuleID != "" {
		fmt.Fprintf(&b, " %s", e.RuleID)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " %s", e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Msg)
	return b.String()
}

func (e *ValidationError) Unwrap() []error {
	if e.kind {
		return []error{ErrValidation, ErrUnknownKind}
	}
	return []error{ErrValidation}
}

func invalid(id, field, msg string) error {
	return &ValidationError{RuleID: id, Field: field, Msg: msg}
}

// Invalid builds a ValidationError not tied to a single rule field.
func Invalid(id, msg string) error {
	return &ValidationError{RuleID: id, Msg: msg}
}

// shapeKeys are the fields whose presence identifies each kind.
var shapeKeys = map[Kind][]string{
	KindCeiling:  {"daily_limit"},
	KindVelocity: {"max_tx_per_hour", "window_hours"},
	KindCohort:   {"block_threshold", "hold_threshold", "new_entity_days"},
}

// Decode parses one rule body. The kind is inferred from the body's field
// names; an explicit "type" field, if present, must agree with the shape.
// Missing actions default to block (ceiling) and hold-for-review (velocity);
// missing window_hours defaults to 1 and new_entity_days to 30.
func Decode(id string, raw json.RawMessage) (Rule, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, invalid(id, "", "must be a JSON object")
	}

	var declared Kind
	if t, ok := fields["type"]; ok {
		var s string
		if err := json.Unmarshal(t, &s); err != nil {
			return nil, invalid(id, "type", "must be a string")
		}
		declared = Kind(s)
		delete(fields, "type")
		if _, known := shapeKeys[declared]; !known {
			return nil, &ValidationError{RuleID: id, Field: "type", Msg: fmt.Sprintf("unknown rule type %q", s), kind: true}
		}
	}

	kind, err := inferKind(id, fields)
	if err != nil {
		return nil, err
	}
	if declared != "" && declared != kind {
		return nil, invalid(id, "type", fmt.Sprintf("declared %q but fields describe %q", declared, kind))
	}

	body, err := json.Marshal(fields)
	if err != nil {
		return nil, invalid(id, "", err.Error())
	}

	var r Rule
	switch kind {
	case KindCeiling:
		c := Ceiling{Action: Block}
		err = strictUnmarshal(body, &c)
		r = c
	case KindVelocity:
		v := Velocity{WindowHours: 1, Action: HoldForReview}
		err = strictUnmarshal(body, &v)
		r = v
	case KindCohort:
		c := Cohort{NewEntityDays: 30}
		err = strictUnmarshal(body, &c)
		r = c
	}
	if err != nil {
		return nil, invalid(id, "", err.Error())
	}
	if err := r.validate(id); err != nil {
		return nil, err
	}
	return r, nil
}

func inferKind(id string, fields map[string]json.RawMessage) (Kind, error) {
	var matched []Kind
	for _, k := range Kinds {
		for _, key := range shapeKeys[k] {
			if _, ok := fields[key]; ok {
				matched = append(matched, k)
				break
			}
		}
	}
	switch len(matched) {
	case 0:
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return "", &ValidationError{RuleID: id, Msg: fmt.Sprintf("fields %v match no known rule type", keys), kind: true}
	case 1:
		return matched[0], nil
	default:
		return "", invalid(id, "", fmt.Sprintf("fields mix rule types %v", matched))
	}
}

func strictUnmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// Encode renders a rule with its "type" tag, the form it is stored in.
func Encode(r Rule) (json.RawMessage, error) {
	var body any
	switch v := r.(type) {
	case Ceiling:
		body = struct {
			Type Kind `json:"type"`
			Ceiling
		}{KindCeiling, v}
	case Velocity:
		body = struct {
			Type Kind `json:"type"`
			Velocity
		}{KindVelocity, v}
	case Cohort:
		body = struct {
			Type Kind `json:"type"`
			Cohort
		}{KindCohort, v}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, r)
	}
	return json.Marshal(body)
}
