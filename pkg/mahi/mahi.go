// Copyright (C) 2026 Manta Authors.
// See LICENSE for copying information.

// Package mahi resolves accounts, users, keys, and roles from the external
// identity service.
package mahi

import (
	"context"

	"github.com/zeebo/errs"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"
)

var (
	mon = monkit.Package()

	// Error is the class of identity resolution errors.
	Error = errs.Class("mahi error")
)

// Account is a top-level account record. Immutable within a request.
type Account struct {
	UUID                     string            `json:"uuid"`
	Login                    string            `json:"login"`
	ApprovedForProvisioning  bool              `json:"approved_for_provisioning"`
	IsOperator               bool              `json:"isOperator"`
	Groups                   []string          `json:"groups"`
	Keys                     map[string]string `json:"keys"`
	DefaultRoles             []string          `json:"defaultRoles,omitempty"`
	HasAnonymousUser         bool              `json:"hasAnonymousUser,omitempty"`
}

// User is a subuser of an Account.
type User struct {
	UUID         string            `json:"uuid"`
	AccountUUID  string            `json:"account_uuid"`
	Login        string            `json:"login"`
	Keys         map[string]string `json:"keys"`
	Roles        []string          `json:"roles"`
	DefaultRoles []string          `json:"defaultRoles"`
}

// Role names a set of policies within an account.
type Role struct {
	UUID     string   `json:"uuid"`
	Name     string   `json:"name"`
	Policies []string `json:"policies"`
}

// AnonymousUserLogin is the reserved subuser consulted for anonymous access.
const AnonymousUserLogin = "anonymous"

// Caller is the result of identity resolution for one request.
type Caller struct {
	Account   *Account
	User      *User
	Roles     map[string]Role
	Anonymous bool
}

// IsOperator reports whether the caller has operator privilege.
func (c *Caller) IsOperator() bool {
	return c.Account != nil && c.Account.IsOperator
}

// KeyLookup returns the public key for fp from the user's keyset if the
// caller is a subuser, else from the account's.
func (c *Caller) KeyLookup(fp string) (string, bool) {
	if c.User != nil {
		key, ok := c.User.Keys[fp]
		return key, ok
	}
	if c.Account != nil {
		key, ok := c.Account.Keys[fp]
		return key, ok
	}
	return "", false
}

// GrantedRoles returns every role uuid granted to the caller.
func (c *Caller) GrantedRoles() []string {
	if c.User != nil {
		return c.User.Roles
	}
	return nil
}

// DefaultRoles returns the roles in effect when a request names none.
func (c *Caller) DefaultRoles() []string {
	if c.User != nil {
		return c.User.DefaultRoles
	}
	return nil
}

// Resolver is the identity lookup surface the auth pipeline depends on.
type Resolver interface {
	AccountByLogin(ctx context.Context, login string) (*Account, error)
	AccountByUUID(ctx context.Context, uuid string) (*Account, error)
	UserByLogin(ctx context.Context, accountLogin, userLogin string) (*User, error)
	UserByUUID(ctx context.Context, uuid string) (*User, error)
	// RolesByUUID resolves role uuids to full records within an account.
	RolesByUUID(ctx context.Context, accountUUID string, uuids []string) (map[string]Role, error)
	// RoleNameToUUID resolves a role name within an account. Unknown names
	// return a mahi Error; the caller decides the user-visible error.
	RoleNameToUUID(ctx context.Context, accountUUID, name string) (string, error)
}
