package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the RCL MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolEvaluatePayout = mcp.NewTool("evaluate_payout",
	mcp.WithDescription(
		"Evaluate a payout event against the RCL risk rules in shadow mode. "+
			"Returns the verdict (allow, hold-for-review or block), the rule that fired and why. "+
			"Submitting the same event_id again returns the original decision unchanged."),
	mcp.WithString("event_id",
		mcp.Required(),
		mcp.Description("Unique id of the payout event, e.g. 'payout_20260224_001'")),
	mcp.WithString("entity_id",
		mcp.Required(),
		mcp.Description("Pseudonymous id of the payee, e.g. 'partner_abc123'")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Payout amount as a decimal string, e.g. '15000.00'")),
	mcp.WithString("currency",
		mcp.Description("ISO 4217 code (default USD)")),
	mcp.WithString("tenant",
		mcp.Description("Tenant the event belongs to (default 'default')")),
	mcp.WithString("scenario",
		mcp.Description("Scenario within the tenant (default 'default')")),
)

var ToolQueryDecisions = mcp.NewTool("query_decisions",
	mcp.WithDescription(
		"Search the RCL decision audit log, newest first. "+
			"Use this to see what was flagged for an entity or during a date range."),
	mcp.WithString("entity_id",
		mcp.Description("Only decisions for this entity")),
	mcp.WithString("verdict",
		mcp.Description("Only decisions with this verdict"),
		mcp.Enum("allow", "hold-for-review", "block")),
	mcp.WithString("tenant",
		mcp.Description("Only decisions for this tenant")),
	mcp.WithString("scenario",
		mcp.Description("Only decisions for this scenario")),
	mcp.WithString("date_from",
		mcp.Description("Earliest evaluation time, RFC 3339 or YYYY-MM-DD")),
	mcp.WithString("date_to",
		mcp.Description("Latest evaluation date, RFC 3339 or YYYY-MM-DD (inclusive day)")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of decisions to return (default 20)")),
)

var ToolGetStats = mcp.NewTool("get_stats",
	mcp.WithDescription(
		"Get decision totals by verdict, blocked and held amounts, and distinct entity count."),
	mcp.WithString("tenant",
		mcp.Description("Scope to one tenant")),
	mcp.WithString("scenario",
		mcp.Description("Scope to one scenario")),
)

var ToolGetPolicy = mcp.NewTool("get_policy",
	mcp.WithDescription(
		"Show the current RCL policy version and every rule's thresholds as stored."),
)

var ToolListRules = mcp.NewTool("list_rules",
	mcp.WithDescription(
		"List the active rules in evaluation order with their type, thresholds and a description."),
)
