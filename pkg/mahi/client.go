// Copyright (C) 2026 Manta Authors.
// See LICENSE for copying information.

package mahi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/manta-io/muskie/pkg/merr"
)

// ClientConfig configures the HTTP identity client.
type ClientConfig struct {
	URL     string        `help:"base url of the identity service" default:"http://localhost:8080"`
	Timeout time.Duration `help:"per-request timeout" default:"10s"`
}

// Client talks HTTP JSON to the identity service.
type Client struct {
	log  *zap.Logger
	base string
	http *http.Client
}

// NewClient creates an identity client.
func NewClient(log *zap.Logger, cfg ClientConfig) *Client {
	return &Client{
		log:  log,
		base: strings.TrimRight(cfg.URL, "/"),
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// AccountByLogin fetches an account by its login name.
func (client *Client) AccountByLogin(ctx context.Context, login string) (_ *Account, err error) {
	defer mon.Task()(&ctx)(&err)

	var account Account
	err = client.get(ctx, "/accounts/login/"+url.PathEscape(login), &account,
		merr.AccountDoesNotExist(login))
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// AccountByUUID fetches an account by uuid.
func (client *Client) AccountByUUID(ctx context.Context, uuid string) (_ *Account, err error) {
	defer mon.Task()(&ctx)(&err)

	var account Account
	err = client.get(ctx, "/accounts/"+url.PathEscape(uuid), &account,
		merr.AccountDoesNotExist(uuid))
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// UserByLogin fetches a subuser by account and user login.
func (client *Client) UserByLogin(ctx context.Context, accountLogin, userLogin string) (_ *User, err error) {
	defer mon.Task()(&ctx)(&err)

	var user User
	err = client.get(ctx,
		"/accounts/login/"+url.PathEscape(accountLogin)+"/users/"+url.PathEscape(userLogin),
		&user, merr.UserDoesNotExist(accountLogin, userLogin))
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// UserByUUID fetches a subuser by uuid.
func (client *Client) UserByUUID(ctx context.Context, uuid string) (_ *User, err error) {
	defer mon.Task()(&ctx)(&err)

	var user User
	err = client.get(ctx, "/users/"+url.PathEscape(uuid), &user,
		merr.UserDoesNotExist("", uuid))
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// RolesByUUID resolves role uuids to records within an account.
func (client *Client) RolesByUUID(ctx context.Context, accountUUID string, uuids []string) (_ map[string]Role, err error) {
	defer mon.Task()(&ctx)(&err)

	if len(uuids) == 0 {
		return map[string]Role{}, nil
	}

	var roles []Role
	p := "/accounts/" + url.PathEscape(accountUUID) + "/roles?uuids=" +
		url.QueryEscape(strings.Join(uuids, ","))
	if err := client.get(ctx, p, &roles, nil); err != nil {
		return nil, err
	}

	byUUID := make(map[string]Role, len(roles))
	for _, role := range roles {
		byUUID[role.UUID] = role
	}
	return byUUID, nil
}

// RoleNameToUUID resolves a role name within an account.
func (client *Client) RoleNameToUUID(ctx context.Context, accountUUID, name string) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	var role Role
	p := "/accounts/" + url.PathEscape(accountUUID) + "/roles/name/" + url.PathEscape(name)
	if err := client.get(ctx, p, &role, Error.New("role %q not found", name)); err != nil {
		return "", err
	}
	return role.UUID, nil
}

// get issues a GET and decodes the JSON body into out. A 404 returns notFound
// when non-nil; other non-200s become internal errors.
func (client *Client) get(ctx context.Context, p string, out interface{}, notFound error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, client.base+p, nil)
	if err != nil {
		return Error.Wrap(err)
	}

	resp, err := client.http.Do(req)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound && notFound != nil:
		return notFound
	case resp.StatusCode != http.StatusOK:
		return Error.Wrap(fmt.Errorf("identity service returned %d for %s", resp.StatusCode, p))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return Error.Wrap(err)
	}
	return nil
}

var _ Resolver = (*Client)(nil)
