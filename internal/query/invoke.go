package query

import (
	"context"
	"errors"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation"
)

// Query names accepted by Invoke.
const (
	QueryCanRegister       = "canRegister"
	QueryUserIDByEmail     = "getUserIdByEmail"
	QueryUserIDByUsername  = "getUserIdByUsername"
	QueryUserByID          = "getUserById"
	QueryCredentialForUser = "getCredForUser"
	QueryAuthenticate      = "authenticate"
	QueryCheckSession      = "checkSession"
	QueryValidateRefresh   = "validateRefresh"
	QueryLoginFailures     = "loginFailures"
	QueryCheckOTP          = "checkOtp"
)

var (
	// ErrUnknownQuery is returned by Invoke for a name with no query behind it.
	ErrUnknownQuery = errors.New("unknown query")
	// ErrInvalidArgs is returned by Invoke for the wrong number, type or emptiness of arguments.
	ErrInvalidArgs = errors.New("invalid query arguments")
)

type invoker struct {
	// required is the number of leading arguments that must be non-empty.
	arity, required int
	call            func(s *Service, ctx context.Context, args []string) (any, error)
}

var invokers = map[string]invoker{
	QueryCanRegister: {2, 2, func(s *Service, ctx context.Context, a []string) (any, error) {
		return s.CanRegister(ctx, a[0], a[1])
	}},
	QueryUserIDByEmail: {1, 1, func(s *Service, ctx context.Context, a []string) (any, error) {
		return optionalString(s.UserIDByEmail(ctx, a[0]))
	}},
	QueryUserIDByUsername: {1, 1, func(s *Service, ctx context.Context, a []string) (any, error) {
		return optionalString(s.UserIDByUsername(ctx, a[0]))
	}},
	QueryUserByID: {1, 1, func(s *Service, ctx context.Context, a []string) (any, error) {
		u, err := s.UserByID(ctx, a[0])
		if u == nil {
			return nil, err
		}
		return u, err
	}},
	QueryCredentialForUser: {1, 1, func(s *Service, ctx context.Context, a []string) (any, error) {
		c, err := s.CredentialForUser(ctx, a[0])
		if c == nil {
			return nil, err
		}
		return c, err
	}},
	QueryAuthenticate: {2, 2, func(s *Service, ctx context.Context, a []string) (any, error) {
		return optionalString(s.Authenticate(ctx, a[0], a[1]))
	}},
	QueryCheckSession: {1, 1, func(s *Service, ctx context.Context, a []string) (any, error) {
		sess, err := s.CheckSession(ctx, a[0])
		if sess == nil {
			return nil, err
		}
		return sess, err
	}},
	QueryValidateRefresh: {1, 1, func(s *Service, ctx context.Context, a []string) (any, error) {
		rec, err := s.ValidateRefresh(ctx, a[0])
		if rec == nil {
			return nil, err
		}
		return rec, err
	}},
	QueryLoginFailures: {2, 1, func(s *Service, ctx context.Context, a []string) (any, error) {
		return s.LoginFailures(ctx, a[0], a[1])
	}},
	QueryCheckOTP: {2, 2, func(s *Service, ctx context.Context, a []string) (any, error) {
		return s.CheckOTP(ctx, a[0], a[1])
	}},
}

// Invoke runs the query called name with positional string arguments. Absent results are returned as nil.
func (s *Service) Invoke(ctx context.Context, name string, args ...any) (any, error) {
	inv, ok := invokers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownQuery, name)
	}
	if len(args) != inv.arity {
		return nil, fmt.Errorf("%w: %s takes %d arguments, got %d", ErrInvalidArgs, name, inv.arity, len(args))
	}
	strs := make([]string, len(args))
	for i, a := range args {
		str, ok := a.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s argument %d is %T, want string", ErrInvalidArgs, name, i, a)
		}
		if i < inv.required {
			if err := validation.Validate(str, validation.Required); err != nil {
				return nil, fmt.Errorf("%w: %s argument %d: %v", ErrInvalidArgs, name, i, err)
			}
		}
		strs[i] = str
	}
	return inv.call(s, ctx, strs)
}

func optionalString(v string, err error) (any, error) {
	if err != nil || v == "" {
		return nil, err
	}
	return v, nil
}
