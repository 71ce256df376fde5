// Copyright (C) 2026 Manta Authors.
// See LICENSE for copying information.

package webapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/manta-io/muskie/pkg/chain"
	"github.com/manta-io/muskie/pkg/merr"
	"github.com/manta-io/muskie/pkg/sealer"
)

// mintToken issues a delegation token for the authenticated caller: its
// principal, active roles, and the keyId that authenticated this mint.
func (s *Server) mintToken(ctx context.Context, req *chain.RequestContext) (halt bool, err error) {
	defer mon.Task()(&ctx)(&err)

	caller := req.Auth.Caller
	if caller == nil || caller.Account == nil || caller.Anonymous {
		return false, merr.AuthorizationRequired()
	}

	conditions := map[string]interface{}{
		"activeRoles": req.Auth.ActiveRoles,
		"fromjob":     false,
	}
	if req.Auth.Signature != nil {
		conditions["devkeyId"] = req.Auth.Signature.KeyID
	}

	tok := &sealer.Token{
		IssuedAt:    time.Now(),
		AccountUUID: caller.Account.UUID,
		Conditions:  conditions,
	}
	if caller.User != nil {
		tok.UserUUID = caller.User.UUID
	}

	opaque, err := sealer.Seal(tok, s.deps.TokenConfig)
	if err != nil {
		return false, err
	}

	req.Writer.Header().Set("Content-Type", "application/json")
	req.Writer.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(req.Writer).Encode(map[string]string{"token": opaque}); err != nil {
		return false, Error.Wrap(err)
	}
	return true, nil
}
