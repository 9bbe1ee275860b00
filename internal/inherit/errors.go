package inherit

import "fmt"

// ConflictField names the per-rule unique attribute a conflict is about
type ConflictField string

const (
	FieldHost        ConflictField = "host name"
	FieldVisibleName ConflictField = "visible name"
)

// ConflictDescription describes one name collision inside a discovery rule
type ConflictDescription struct {
	Field           ConflictField
	Value           string
	RuleID          string
	RuleName        string
	OwnerName       string
	OwnerIsTemplate bool
}

func (d ConflictDescription) String() string {
	msg := fmt.Sprintf("host prototype with %s %q already exists", d.Field, d.Value)
	if d.RuleName == "" {
		return msg
	}
	msg += fmt.Sprintf(" in discovery rule %q", d.RuleName)
	if d.OwnerName == "" {
		return msg
	}
	if d.OwnerIsTemplate {
		return msg + fmt.Sprintf(" of template %q", d.OwnerName)
	}
	return msg + fmt.Sprintf(" of host %q", d.OwnerName)
}

type (
	// ConflictError is returned when propagation or a native write would break
	// per-rule name uniqueness. Nothing from the failing generation is written.
	ConflictError struct {
		Conflicts []ConflictDescription
	}

	// MissingChildRuleError marks a linked host that has not received the
	// inherited discovery rule yet. The engine skips such hosts.
	MissingChildRuleError struct {
		HostID       string
		HostName     string
		ParentRuleID string
	}

	// PersistenceError wraps a storage failure. Its message is generic; the
	// cause is available through Unwrap for logging.
	PersistenceError struct {
		Op  string
		Err error
	}

	// CycleError is returned when a walk revisits a discovery rule or goes
	// deeper than the configured limit
	CycleError struct {
		RuleID   string
		Depth    int
		MaxDepth int
	}
)

func (e *ConflictError) Error() string {
	if len(e.Conflicts) == 0 {
		return "host prototype conflict"
	}
	msg := e.Conflicts[0].String()
	if n := len(e.Conflicts) - 1; n > 0 {
		msg += fmt.Sprintf(" (and %d more)", n)
	}
	return msg
}

// Messages returns one line per conflict
func (e *ConflictError) Messages() []string {
	out := make([]string, len(e.Conflicts))
	for i, c := range e.Conflicts {
		out[i] = c.String()
	}
	return out
}

func (e *MissingChildRuleError) Error() string {
	name := e.HostName
	if name == "" {
		name = e.HostID
	}
	return fmt.Sprintf("host %q has no discovery rule inherited from %s", name, e.ParentRuleID)
}

func (e *PersistenceError) Error() string {
	if e.Op == "" {
		return "failed to store host prototypes"
	}
	return "failed to store host prototypes: " + e.Op
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func (e *CycleError) Error() string {
	if e.RuleID != "" {
		return fmt.Sprintf("template link cycle detected: discovery rule %s reached twice", e.RuleID)
	}
	return fmt.Sprintf("template inheritance deeper than %d levels", e.MaxDepth)
}
