package decisions

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"time"
)

// MaxExportRows bounds a single export.
const MaxExportRows = 100_000

// Each pages through every decision matching f, most recent first, and
// calls fn for each one. It stops after MaxExportRows rows or when fn
// returns an error.
func Each(ctx context.Context, s Store, f Filter, fn func(*Decision) error) error {
	f.Limit = MaxQueryLimit
	seen := 0
	for {
		page, err := s.Query(ctx, f)
		if err != nil {
			return err
		}
		for _, d := range page {
			if seen == MaxExportRows {
				return nil
			}
			if err := fn(d); err != nil {
				return err
			}
			seen++
		}
		if len(page) < f.Limit {
			return nil
		}
		last := page[len(page)-1]
		f.Before = &Position{EvaluatedAt: last.EvaluatedAt, ID: last.ID}
	}
}

var csvHeader = []string{
	"id", "event_id", "tenant", "scenario", "entity_id", "amount", "currency",
	"event_type", "event_ts", "verdict", "rule_id", "reason", "policy_version", "evaluated_at",
}

func csvRecord(d *Decision) []string {
	ruleID := ""
	if d.RuleID != nil {
		ruleID = *d.RuleID
	}
	return []string{
		d.ID, d.EventID, d.Tenant, d.Scenario, d.EntityID, d.Amount.String(), d.Currency,
		d.EventType, d.EventTS.Format(time.RFC3339Nano), string(d.Verdict), ruleID, d.Reason,
		strconv.Itoa(d.PolicyVersion), d.EvaluatedAt.Format(time.RFC3339Nano),
	}
}

// WriteCSV streams matching decisions as CSV with a header row.
func WriteCSV(ctx context.Context, w io.Writer, s Store, f Filter) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	err := Each(ctx, s, f, func(d *Decision) error {
		return cw.Write(csvRecord(d))
	})
	cw.Flush()
	if err != nil {
		return err
	}
	return cw.Error()
}

// WriteJSON streams matching decisions as a JSON array.
func WriteJSON(ctx context.Context, w io.Writer, s Store, f Filter) error {
	if _, err := io.WriteString(w, "["); err != nil {
		return err
	}
	first := true
	err := Each(ctx, s, f, func(d *Decision) error {
		if !first {
			if _, err := io.WriteString(w, ","); err != nil {
				return err
			}
		}
		first = false
		b, err := json.Marshal(d)
		if err != nil {
			return err
		}
		_, err = w.Write(b)
		return err
	})
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, "]")
	return err
}
