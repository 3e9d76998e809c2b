package rules

// Result is the outcome of evaluating a policy: either NoBreach or *Breach.
type Result interface {
	result()
}

// NoBreach means every rule passed; callers record an allow verdict.
type NoBreach struct{}

// Breach is the first rule that fired.
type Breach struct {
	RuleID   string
	Verdict  Verdict
	Reason   string
	Snapshot map[string]any
}

func (NoBreach) result() {}
func (*Breach) result()  {}

// AllowReason is recorded when no rule breaches.
const AllowReason = "All rules passed"
