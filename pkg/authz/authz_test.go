// Copyright (C) 2026 Manta Authors.
// See LICENSE for copying information.

package authz

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/manta-io/muskie/pkg/mahi"
	"github.com/manta-io/muskie/pkg/merr"
)

func approvedAccount(uuid, login string) *mahi.Account {
	return &mahi.Account{UUID: uuid, Login: login, ApprovedForProvisioning: true}
}

func buildContext(caller *mahi.Caller, owner *mahi.Account, resourceRoles, activeRoles []string) *Context {
	return &Context{
		Principal: caller,
		Action:    "getobject",
		Resource:  Resource{Owner: owner, Key: "/" + owner.Login + "/stor/x", Roles: resourceRoles},
		Conditions: map[string]interface{}{
			"activeRoles": activeRoles,
			"method":      "GET",
			"fromjob":     false,
		},
	}
}

func TestOwnerAccess(t *testing.T) {
	eval := NewEvaluator(nil)
	owner := approvedAccount("a1", "poseidon")
	caller := &mahi.Caller{Account: owner}

	require.NoError(t, eval.Evaluate(context.Background(), buildContext(caller, owner, nil, nil)))
}

func TestOperatorBypass(t *testing.T) {
	eval := NewEvaluator(nil)
	operator := &mahi.Caller{Account: &mahi.Account{UUID: "op", Login: "poseidon", IsOperator: true, ApprovedForProvisioning: true}}
	owner := approvedAccount("a2", "marlin")

	require.NoError(t, eval.Evaluate(context.Background(), buildContext(operator, owner, nil, nil)))
}

func TestSubuserNeedsRoleMatch(t *testing.T) {
	eval := NewEvaluator(nil)
	owner := approvedAccount("a1", "poseidon")
	caller := &mahi.Caller{
		Account: owner,
		User:    &mahi.User{UUID: "u1", AccountUUID: "a1", Login: "muskie_test"},
	}

	err := eval.Evaluate(context.Background(), buildContext(caller, owner, []string{"r1"}, nil))
	require.True(t, merr.IsCode(err, "NoMatchingRoleTag"))

	err = eval.Evaluate(context.Background(), buildContext(caller, owner, []string{"r1"}, []string{"r2"}))
	require.True(t, merr.IsCode(err, "NoMatchingRoleTag"))

	require.NoError(t, eval.Evaluate(context.Background(),
		buildContext(caller, owner, []string{"r1", "r2"}, []string{"r2"})))
}

func TestCrossAccountDenied(t *testing.T) {
	eval := NewEvaluator(nil)
	owner := approvedAccount("a1", "poseidon")
	stranger := &mahi.Caller{Account: approvedAccount("a9", "loki")}

	err := eval.Evaluate(context.Background(), buildContext(stranger, owner, []string{"r1"}, nil))
	require.True(t, merr.IsCode(err, "MissingPermission"))

	// a shared role tag opens cross-account access
	require.NoError(t, eval.Evaluate(context.Background(),
		buildContext(stranger, owner, []string{"shared"}, []string{"shared"})))
}

func TestBlockedOwner(t *testing.T) {
	eval := NewEvaluator(nil)
	owner := &mahi.Account{UUID: "a1", Login: "poseidon", ApprovedForProvisioning: false}
	caller := &mahi.Caller{Account: approvedAccount("a9", "loki")}

	err := eval.Evaluate(context.Background(), buildContext(caller, owner, nil, nil))
	require.True(t, merr.IsCode(err, "AccountBlocked"))
}

func TestActiveRolesFromJSON(t *testing.T) {
	// a token round-trip turns []string into []interface{}
	authCtx := &Context{Conditions: map[string]interface{}{
		"activeRoles": []interface{}{"r1", "r2"},
	}}
	require.Equal(t, []string{"r1", "r2"}, authCtx.ActiveRoles())

	authCtx.Conditions["activeRoles"] = []string{"r3"}
	require.Equal(t, []string{"r3"}, authCtx.ActiveRoles())

	authCtx.Conditions["activeRoles"] = nil
	require.Nil(t, authCtx.ActiveRoles())
}

type failingRules struct{ err error }

func (engine failingRules) Allows(context.Context, []string, string, map[string]interface{}) (bool, error) {
	if engine.err != nil {
		return false, engine.err
	}
	return false, nil
}

func TestRuleEngineFailures(t *testing.T) {
	owner := approvedAccount("a1", "poseidon")
	caller := &mahi.Caller{
		Account: owner,
		User:    &mahi.User{UUID: "u1", AccountUUID: "a1"},
	}
	authCtx := buildContext(caller, owner, []string{"r1"}, []string{"r1"})

	// engine fault becomes InternalError, never a policy denial
	eval := NewEvaluator(failingRules{err: errors.New("rules service down")})
	err := eval.Evaluate(context.Background(), authCtx)
	require.True(t, merr.IsCode(err, "InternalError"))

	// clean denial
	eval = NewEvaluator(failingRules{})
	err = eval.Evaluate(context.Background(), authCtx)
	require.True(t, merr.IsCode(err, "AuthorizationFailed"))
}
