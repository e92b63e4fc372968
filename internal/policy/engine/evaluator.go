// Package engine decides login admission with an embedded OPA Rego policy.
package engine

import (
	"context"

	userdomain "identity-session-core/internal/user/domain"
)

// Admission decision reasons.
const (
	ReasonAllowed         = ""
	ReasonTooManyFailures = "too many failed logins"
	ReasonUserInactive    = "user not active"
)

// LoginRequest is the policy input for one login attempt. User is nil when the username is unknown.
type LoginRequest struct {
	User        *userdomain.User
	Failures    int64
	MaxFailures int
	IPAddress   string
	Device      string
}

// Decision is the policy outcome. Reason is empty when Allow is true.
type Decision struct {
	Allow  bool
	Reason string
}

// Evaluator decides whether a login attempt may proceed to credential verification.
type Evaluator interface {
	EvaluateLogin(ctx context.Context, req LoginRequest) (Decision, error)
}
