package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/open-policy-agent/opa/v1/rego"
)

const decisionQuery = "data.identity.login.decision"

// DefaultLoginPolicy admits active users whose failed-login count from this address is below the limit.
const DefaultLoginPolicy = `package identity.login

default allow := false

blocked if {
	input.failures >= input.max_failures
}

user_active if {
	input.user.status == "active"
}

allow if {
	not blocked
	user_active
}

reason := "too many failed logins" if blocked

reason := "user not active" if {
	not blocked
	not user_active
}

reason := "" if allow

decision := {"allow": allow, "reason": reason}
`

// ErrNoDecision is returned when the policy yields no decision document.
var ErrNoDecision = errors.New("policy returned no decision")

// OPAEvaluator evaluates login admission with Rego policies compiled once at construction.
type OPAEvaluator struct {
	query rego.PreparedEvalQuery
}

// NewOPAEvaluator compiles the given Rego modules, or DefaultLoginPolicy when none are given.
// Every module set must define data.identity.login.decision as {"allow": bool, "reason": string}.
func NewOPAEvaluator(ctx context.Context, modules ...string) (*OPAEvaluator, error) {
	if len(modules) == 0 {
		modules = []string{DefaultLoginPolicy}
	}
	opts := []func(*rego.Rego){rego.Query(decisionQuery)}
	for i, m := range modules {
		opts = append(opts, rego.Module(fmt.Sprintf("login_%d.rego", i), m))
	}
	q, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile login policy: %w", err)
	}
	return &OPAEvaluator{query: q}, nil
}

// EvaluateLogin evaluates the policy for req. Callers deny the login when an error is returned.
func (e *OPAEvaluator) EvaluateLogin(ctx context.Context, req LoginRequest) (Decision, error) {
	rs, err := e.query.Eval(ctx, rego.EvalInput(buildInput(req)))
	if err != nil {
		return Decision{}, fmt.Errorf("eval login policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return Decision{}, ErrNoDecision
	}
	doc, ok := rs[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Decision{}, fmt.Errorf("%w: got %T", ErrNoDecision, rs[0].Expressions[0].Value)
	}
	allow, _ := doc["allow"].(bool)
	reason, _ := doc["reason"].(string)
	return Decision{Allow: allow, Reason: reason}, nil
}

// HealthCheck evaluates the compiled policy against a minimal input.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	_, err := e.EvaluateLogin(ctx, LoginRequest{MaxFailures: 1})
	return err
}

func buildInput(req LoginRequest) map[string]interface{} {
	user := map[string]interface{}{
		"id":     "",
		"status": "",
	}
	if req.User != nil {
		user["id"] = req.User.ID
		user["status"] = string(req.User.Status)
		user["email_verified"] = req.User.EmailVerified
	}
	return map[string]interface{}{
		"user":         user,
		"failures":     req.Failures,
		"max_failures": req.MaxFailures,
		"ip_address":   req.IPAddress,
		"device":       req.Device,
	}
}
