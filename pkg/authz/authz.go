// Copyright (C) 2026 Manta Authors.
// See LICENSE for copying information.

// Package authz evaluates role tags and policies against a request's
// authorization context. The rule language itself lives in the identity
// service; this package owns the structural checks and the error mapping.
package authz

import (
	"context"

	"github.com/zeebo/errs"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/manta-io/muskie/pkg/mahi"
	"github.com/manta-io/muskie/pkg/merr"
)

var (
	mon = monkit.Package()

	// Error is the class of internal evaluator errors.
	Error = errs.Class("authz error")
)

// Resource describes what the request is acting on.
type Resource struct {
	Owner *mahi.Account
	Key   string
	// Roles are the role tags persisted on the resource metadata.
	Roles []string
}

// Context is everything the evaluator reads. The auth pipeline builds it;
// nothing else is consulted.
type Context struct {
	Principal  *mahi.Caller
	Action     string
	Resource   Resource
	Conditions map[string]interface{}
}

// ActiveRoles returns the conditions' activeRoles as a string slice,
// tolerating both []string and []interface{} (the latter appears after a
// token round-trips through JSON).
func (authCtx *Context) ActiveRoles() []string {
	switch roles := authCtx.Conditions["activeRoles"].(type) {
	case []string:
		return roles
	case []interface{}:
		out := make([]string, 0, len(roles))
		for _, role := range roles {
			if s, ok := role.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// RuleEngine evaluates the policy rules attached to the roles that matched.
// The identity service compiles and serves the rules; the default engine
// allows any request whose active roles intersect the resource role tags.
type RuleEngine interface {
	// Allows reports whether the matched roles' policies permit the action
	// under the given conditions.
	Allows(ctx context.Context, matched []string, action string, conditions map[string]interface{}) (bool, error)
}

// AllowMatched is the default RuleEngine.
type AllowMatched struct{}

// Allows implements RuleEngine.
func (AllowMatched) Allows(context.Context, []string, string, map[string]interface{}) (bool, error) {
	return true, nil
}

// Evaluator authorizes requests.
type Evaluator struct {
	rules RuleEngine
}

// NewEvaluator creates an evaluator; a nil engine means AllowMatched.
func NewEvaluator(rules RuleEngine) *Evaluator {
	if rules == nil {
		rules = AllowMatched{}
	}
	return &Evaluator{rules: rules}
}

// Evaluate returns nil when the request is authorized. Every failure is a
// taxonomy error; internal faults surface as InternalError.
func (eval *Evaluator) Evaluate(ctx context.Context, authCtx *Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	caller := authCtx.Principal
	owner := authCtx.Resource.Owner
	if caller == nil || caller.Account == nil || owner == nil {
		return merr.AuthorizationRequired()
	}

	if !owner.ApprovedForProvisioning && !caller.IsOperator() {
		return merr.AccountBlocked(owner.Login)
	}

	// operators bypass role evaluation entirely
	if caller.IsOperator() {
		return nil
	}

	// account owners acting on their own namespace need no role match
	if caller.User == nil && caller.Account.UUID == owner.UUID {
		return nil
	}

	active := authCtx.ActiveRoles()
	matched := intersect(active, authCtx.Resource.Roles)
	if len(matched) == 0 {
		if caller.Account.UUID != owner.UUID {
			// cross-account access is only ever role-mediated
			return merr.MissingPermission(authCtx.Action)
		}
		return merr.NoMatchingRoleTag()
	}

	allowed, err := eval.rules.Allows(ctx, matched, authCtx.Action, authCtx.Conditions)
	if err != nil {
		return merr.Internal(Error.New("rules evaluation failed: %v", err))
	}
	if !allowed {
		return merr.AuthorizationFailed(caller.Account.Login, authCtx.Resource.Key)
	}
	return nil
}

func intersect(a, b []string) []string {
	inA := make(map[string]bool, len(a))
	for _, v := range a {
		inA[v] = true
	}
	var out []string
	for _, v := range b {
		if inA[v] {
			out = append(out, v)
		}
	}
	return out
}
