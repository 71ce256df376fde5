// Copyright (C) 2026 Manta Authors.
// See LICENSE for copying information.

package auth

import (
	"context"
	"strings"

	"github.com/manta-io/muskie/pkg/chain"
)

// GatherConditions populates the authorization context from the
// authenticated request. Route handlers later fill in the action, the
// resource key and role tags, and the overwrite condition once metadata is
// loaded; token-sealed conditions overwrite anything derived here.
func (a *Authenticator) GatherConditions(ctx context.Context, req *chain.RequestContext) (bool, error) {
	authCtx := req.AuthContext
	authCtx.Principal = req.Auth.Caller
	authCtx.Resource.Owner = req.Auth.Owner
	authCtx.Resource.Key = req.Path()

	conditions := authCtx.Conditions
	if req.Auth.Owner != nil {
		conditions["owner"] = req.Auth.Owner.Login
	}
	conditions["method"] = req.Method()
	conditions["activeRoles"] = req.Auth.ActiveRoles
	conditions["fromjob"] = false

	// date, day, and time all derive from the same request start instant
	started := req.StartedAt.UTC()
	conditions["date"] = started
	conditions["day"] = strings.ToLower(started.Weekday().String())
	conditions["time"] = started.Format("15:04:05")

	if forwarded := req.Header("x-forwarded-for"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		conditions["sourceip"] = strings.TrimSpace(first)
	}
	if agent := req.Header("user-agent"); agent != "" {
		conditions["user-agent"] = agent
	}

	if tok := req.Auth.Token; tok != nil {
		for name, value := range tok.Conditions {
			conditions[name] = value
		}
	}
	return false, nil
}
