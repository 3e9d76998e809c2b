package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/rcl/pkg/client"
)

// API is the part of the RCL client the tools use.
type API interface {
	Evaluate(ctx context.Context, req client.EvaluateRequest) *client.Decision
	Decisions(ctx context.Context, q client.DecisionQuery) (*client.DecisionPage, error)
	Stats(ctx context.Context, tenant, scenario string) (json.RawMessage, error)
	Policy(ctx context.Context) (*client.Policy, error)
	Rules(ctx context.Context) (json.RawMessage, error)
}

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	api API
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(api API) *Handlers {
	return &Handlers{api: api}
}

// HandleEvaluatePayout submits one payout event.
func (h *Handlers) HandleEvaluatePayout(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	in := client.EvaluateRequest{
		EventID:  req.GetString("event_id", ""),
		EntityID: req.GetString("entity_id", ""),
		Amount:   req.GetString("amount", ""),
		Currency: req.GetString("currency", ""),
		Tenant:   req.GetString("tenant", ""),
		Scenario: req.GetString("scenario", ""),
	}
	for name, v := range map[string]string{"event_id": in.EventID, "entity_id": in.EntityID, "amount": in.Amount} {
		if strings.TrimSpace(v) == "" {
			return mcp.NewToolResultError(name + " is required"), nil
		}
	}

	d := h.api.Evaluate(ctx, in)
	if d.Fallback {
		return mcp.NewToolResultError(fmt.Sprintf(
			"RCL could not evaluate %s; a live integration would fail open to allow.\nCause: %s",
			in.EventID, d.Error)), nil
	}
	return mcp.NewToolResultText(formatDecision(d)), nil
}

// HandleQueryDecisions searches the audit log.
func (h *Handlers) HandleQueryDecisions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	q := client.DecisionQuery{
		EntityID: req.GetString("entity_id", ""),
		Verdict:  req.GetString("verdict", ""),
		Tenant:   req.GetString("tenant", ""),
		Scenario: req.GetString("scenario", ""),
		DateFrom: req.GetString("date_from", ""),
		DateTo:   req.GetString("date_to", ""),
		Limit:    req.GetInt("limit", 20),
	}
	page, err := h.api.Decisions(ctx, q)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to query decisions: %v", err)), nil
	}
	if len(page.Decisions) == 0 {
		return mcp.NewToolResultText("No decisions match."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d decision(s), newest first:\n\n", page.Count)
	for i := range page.Decisions {
		d := &page.Decisions[i]
		rule := "-"
		if d.RuleID != nil {
			rule = *d.RuleID
		}
		fmt.Fprintf(&sb, "- %s  %s/%s  entity=%s  amount=%s %s  %s (%s)\n",
			d.EvaluatedAt.Format("2006-01-02 15:04:05"), d.Tenant, d.Scenario,
			d.EntityID, d.Amount, d.Currency, d.Verdict, rule)
	}
	if page.NextCursor != "" {
		sb.WriteString("\nMore results exist; narrow the date range or raise limit.")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetStats returns ledger totals.
func (h *Handlers) HandleGetStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.api.Stats(ctx, req.GetString("tenant", ""), req.GetString("scenario", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get stats: %v", err)), nil
	}

	var st struct {
		Total         int            `json:"total"`
		ByVerdict     map[string]int `json:"by_verdict"`
		BlockedAmount json.Number    `json:"blocked_amount"`
		HeldAmount    json.Number    `json:"held_amount"`
		Entities      int            `json:"entities"`
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse stats: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Decisions: %d across %d entities\n", st.Total, st.Entities)
	verdicts := make([]string, 0, len(st.ByVerdict))
	for v := range st.ByVerdict {
		verdicts = append(verdicts, v)
	}
	sort.Strings(verdicts)
	for _, v := range verdicts {
		fmt.Fprintf(&sb, "  %s: %d\n", v, st.ByVerdict[v])
	}
	fmt.Fprintf(&sb, "Blocked amount: %s\nHeld amount: %s", st.BlockedAmount, st.HeldAmount)
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetPolicy shows the current policy document.
func (h *Handlers) HandleGetPolicy(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p, err := h.api.Policy(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get policy: %v", err)), nil
	}
	doc, err := json.Marshal(p.Policy)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to render policy: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Policy version %d (updated %s)\n\n%s", p.Version, p.UpdatedAt.Format("2006-01-02 15:04:05 MST"), formatJSON(doc))
	if len(p.UnrecognizedRules) > 0 {
		fmt.Fprintf(&sb, "\n\nSkipped (unknown rule type): %s", strings.Join(p.UnrecognizedRules, ", "))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleListRules lists rules in evaluation order.
func (h *Handlers) HandleListRules(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.api.Rules(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list rules: %v", err)), nil
	}

	var resp struct {
		Rules []struct {
			ID          string          `json:"id"`
			Type        string          `json:"type"`
			Thresholds  json.RawMessage `json:"thresholds"`
			Description string          `json:"description"`
		} `json:"rules"`
		PolicyVersion int `json:"policy_version"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse rules: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Policy version %d, %d rule(s) in evaluation order:\n", resp.PolicyVersion, len(resp.Rules))
	for i, r := range resp.Rules {
		fmt.Fprintf(&sb, "\n%d. %s (%s): %s\n   %s\n", i+1, r.ID, r.Type, r.Description, compactJSON(r.Thresholds))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Formatters ---

func formatDecision(d *client.Decision) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Verdict: %s\n", d.Verdict)
	if d.RuleID != nil {
		fmt.Fprintf(&sb, "Rule: %s\n", *d.RuleID)
	}
	fmt.Fprintf(&sb, "Reason: %s\n", d.Reason)
	fmt.Fprintf(&sb, "Event: %s  Entity: %s  Amount: %s %s\n", d.EventID, d.EntityID, d.Amount, d.Currency)
	fmt.Fprintf(&sb, "Policy version: %d\n", d.PolicyVersion)
	if d.Replayed {
		sb.WriteString("(already evaluated; original decision returned)\n")
	}
	sb.WriteString("Shadow mode: the payout is not stopped.")
	return sb.String()
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}

func compactJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
