// Package capability implements the policy gate that wraps every journal
// append and every outbound human-recruitment call. The observer frame
// (pkg/contracts) controls which invariants evaluate; this gate controls
// whether an already-decided action may take effect.
package capability

import (
	"errors"
	"fmt"
)

// ErrMissingGate is the programmer error returned when a side-effecting call
// receives the zero-value gate. A gate is never optional and has no default.
var ErrMissingGate = errors.New("capability: missing adapter gate")

// Gate is the explicit permission token for one side-effecting invocation.
// The zero value is detectable and rejected; construct via NewGate.
type Gate struct {
	invocationID string
	allowed      bool
	policyCode   string
}

// NewGate constructs a permission token. The invocation id is required.
func NewGate(invocationID string, allowed bool) (Gate, error) {
	if invocationID == "" {
		return Gate{}, errors.New("capability: gate requires an invocation id")
	}
	return Gate{invocationID: invocationID, allowed: allowed}, nil
}

// DeniedGate constructs an explicit denial carrying the policy code that
// produced it.
func DeniedGate(invocationID, policyCode string) (Gate, error) {
	g, err := NewGate(invocationID, false)
	if err != nil {
		return Gate{}, err
	}
	g.policyCode = policyCode
	return g, nil
}

// InvocationID returns the id of the invocation this gate authorizes.
func (g Gate) InvocationID() string { return g.invocationID }

// Allowed reports the gate's decision.
func (g Gate) Allowed() bool { return g.allowed }

// PolicyCode returns the code of the denying policy rule, if any.
func (g Gate) PolicyCode() string { return g.policyCode }

// DenialError is raised when a denied gate reaches a side-effecting call.
// The call performs no I/O: zero bytes are written.
type DenialError struct {
	InvocationID string
	Action       string
	PolicyCode   string
}

func (e *DenialError) Error() string {
	return fmt.Sprintf("capability: invocation %s denied for action %q (policy_code=%s)", e.InvocationID, e.Action, e.PolicyCode)
}

// Require enforces the gate contract at the top of every side-effecting
// function. A zero-value gate is a programmer error; a denied gate is a
// policy denial.
func Require(g Gate, action string) error {
	if g.invocationID == "" {
		return fmt.Errorf("%w: action %q", ErrMissingGate, action)
	}
	if !g.allowed {
		code := g.policyCode
		if code == "" {
			code = "capability.denied"
		}
		return &DenialError{InvocationID: g.invocationID, Action: action, PolicyCode: code}
	}
	return nil
}
