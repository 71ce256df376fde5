// Copyright (C) 2026 Manta Authors.
// See LICENSE for copying information.

// Package auth implements the request authentication pipeline: presigned-URL
// and Authorization-header parsing, token unsealing, caller and owner
// resolution, signature verification, and active-role derivation. Each stage
// is a chain handler; the pipeline short-circuits on the first failure.
package auth

import (
	"context"
	"strings"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/manta-io/muskie/pkg/chain"
	"github.com/manta-io/muskie/pkg/httpsig"
	"github.com/manta-io/muskie/pkg/mahi"
	"github.com/manta-io/muskie/pkg/merr"
	"github.com/manta-io/muskie/pkg/sealer"
)

var (
	mon = monkit.Package()

	// Error is the class of internal authentication errors.
	Error = errs.Class("auth error")
)

// Authenticator holds the identity service client and the token cipher
// material, and exposes the authentication stages as chain handlers.
type Authenticator struct {
	log          *zap.Logger
	resolver     mahi.Resolver
	tokenCfg     sealer.Config // Authorization: Token <opaque>
	authTokenCfg sealer.Config // x-auth-token delegation headers
}

// New creates an Authenticator.
func New(log *zap.Logger, resolver mahi.Resolver, tokenCfg, authTokenCfg sealer.Config) *Authenticator {
	return &Authenticator{
		log:          log,
		resolver:     resolver,
		tokenCfg:     tokenCfg,
		authTokenCfg: authTokenCfg,
	}
}

// Handlers returns the authentication stages in pipeline order.
func (a *Authenticator) Handlers() []chain.Handler {
	return []chain.Handler{
		a.Init,
		a.ParsePresigned,
		a.CheckScheme,
		a.ParseToken,
		a.ParseSignature,
		a.ParseKeyID,
		a.LoadCaller,
		a.VerifySignature,
		a.ParseAuthTokenHeader,
		a.LoadOwner,
		a.ActiveRoles,
		a.GatherConditions,
	}
}

// Init binds the identity client and token material onto the request.
func (a *Authenticator) Init(ctx context.Context, req *chain.RequestContext) (bool, error) {
	req.Mahi = a.resolver
	req.TokenConfig = a.tokenCfg
	req.AuthTokenConfig = a.authTokenCfg
	return false, nil
}

// ParsePresigned handles presigned-URL authentication. A request is presigned
// iff it carries no Authorization header and at least one presigned query
// parameter; a presigned request that fails validation is rejected here.
func (a *Authenticator) ParsePresigned(ctx context.Context, req *chain.RequestContext) (halt bool, err error) {
	defer mon.Task()(&ctx)(&err)

	if req.Header("Authorization") != "" || !httpsig.IsPresigned(req.Query()) {
		return false, nil
	}

	presigned, err := httpsig.ParsePresigned(req.Method(), req.Query(), time.Now())
	if err != nil {
		return false, err
	}

	req.Auth.Presigned = presigned
	req.Auth.Signature = &httpsig.Signature{
		KeyID:         presigned.KeyID,
		Algorithm:     presigned.Algorithm,
		Signature:     presigned.Signature,
		SigningString: presigned.SigningString(req.Request.Host, req.PathPreSanitize, req.Query()),
	}
	return false, nil
}

// authHeader splits the Authorization header into its lowercased scheme and
// the parameter remainder.
func authHeader(req *chain.RequestContext) (scheme, params string) {
	header := req.Header("Authorization")
	if header == "" {
		return "", ""
	}
	scheme, params, _ = strings.Cut(header, " ")
	return strings.ToLower(scheme), strings.TrimSpace(params)
}

// CheckScheme rejects Authorization schemes other than Signature and Token.
func (a *Authenticator) CheckScheme(ctx context.Context, req *chain.RequestContext) (bool, error) {
	scheme, _ := authHeader(req)
	switch scheme {
	case "", "signature", "token":
		return false, nil
	default:
		return false, merr.AuthSchemeNotAllowed(scheme)
	}
}

// ParseToken unseals Token-scheme credentials.
func (a *Authenticator) ParseToken(ctx context.Context, req *chain.RequestContext) (halt bool, err error) {
	defer mon.Task()(&ctx)(&err)

	scheme, params := authHeader(req)
	if scheme != "token" {
		return false, nil
	}

	tok, err := sealer.Unseal(params, a.tokenCfg)
	if err != nil {
		return false, err
	}
	// the legacy operator bit is never trusted; operator standing comes
	// from the live account record LoadCaller resolves
	req.Auth.Token = tok
	req.Auth.AccountUUID = tok.AccountUUID
	req.Auth.AccountLogin = tok.AccountLogin
	req.Auth.UserUUID = tok.UserUUID
	return false, nil
}

// ParseSignature parses Signature-scheme credentials and resolves the signed
// headers into the signing string.
func (a *Authenticator) ParseSignature(ctx context.Context, req *chain.RequestContext) (halt bool, err error) {
	defer mon.Task()(&ctx)(&err)

	scheme, params := authHeader(req)
	if scheme != "signature" {
		return false, nil
	}

	sig, err := httpsig.ParseAuthorization(params)
	if err != nil {
		return false, err
	}
	sig.SigningString, err = signingString(req, sig.Headers)
	if err != nil {
		return false, err
	}
	req.Auth.Signature = sig
	return false, nil
}

// signingString assembles the header-signature signing string: one
// "name: value" line per signed header, with (request-target) expanding to
// the method and raw path.
func signingString(req *chain.RequestContext, headers []string) ([]byte, error) {
	lines := make([]string, 0, len(headers))
	for _, name := range headers {
		if name == "(request-target)" {
			lines = append(lines, "(request-target): "+
				strings.ToLower(req.Method())+" "+req.PathPreSanitize)
			continue
		}
		value := req.Header(name)
		if value == "" {
			return nil, merr.BadRequest("header " + name + " was signed but not sent")
		}
		lines = append(lines, name+": "+value)
	}
	return []byte(strings.Join(lines, "\n")), nil
}

// ParseKeyID splits the signature's keyId into account, optional user, and
// key fingerprint.
func (a *Authenticator) ParseKeyID(ctx context.Context, req *chain.RequestContext) (bool, error) {
	if req.Auth.Signature == nil {
		return false, nil
	}
	kid, err := httpsig.ParseKeyID(req.Auth.Signature.KeyID)
	if err != nil {
		return false, err
	}
	req.Auth.KeyID = kid
	req.Auth.AccountLogin = kid.Account
	req.Auth.UserLogin = kid.User
	return false, nil
}

// publicPathAccount returns the account segment when the request addresses a
// public tree, which may be read without credentials.
func publicPathAccount(p string) string {
	parts := strings.SplitN(p, "/", 4)
	if len(parts) >= 3 && parts[0] == "" && parts[1] != "" && parts[2] == "public" {
		return parts[1]
	}
	return ""
}

// LoadCaller resolves the caller's identity from whichever hints earlier
// stages produced, in priority order: user login, user uuid, account login,
// account uuid. Requests with no hints fall back to the public-path account
// or stay anonymous.
func (a *Authenticator) LoadCaller(ctx context.Context, req *chain.RequestContext) (halt bool, err error) {
	defer mon.Task()(&ctx)(&err)

	auth := &req.Auth
	caller := &mahi.Caller{}

	switch {
	case auth.UserLogin != "" && auth.AccountLogin != "":
		caller.User, err = req.Mahi.UserByLogin(ctx, auth.AccountLogin, auth.UserLogin)
		if err != nil {
			return false, err
		}
		caller.Account, err = req.Mahi.AccountByLogin(ctx, auth.AccountLogin)
		if err != nil {
			return false, err
		}

	case auth.UserUUID != "":
		caller.User, err = req.Mahi.UserByUUID(ctx, auth.UserUUID)
		if err != nil {
			return false, err
		}
		caller.Account, err = req.Mahi.AccountByUUID(ctx, caller.User.AccountUUID)
		if err != nil {
			return false, err
		}

	case auth.AccountLogin != "":
		caller.Account, err = req.Mahi.AccountByLogin(ctx, auth.AccountLogin)
		if err != nil {
			return false, err
		}

	case auth.AccountUUID != "":
		caller.Account, err = req.Mahi.AccountByUUID(ctx, auth.AccountUUID)
		if err != nil {
			return false, err
		}

	default:
		if account := publicPathAccount(req.Path()); account != "" {
			caller.Account, err = req.Mahi.AccountByLogin(ctx, account)
			if err != nil {
				return false, err
			}
		} else {
			caller.Anonymous = true
		}
	}

	if caller.Account != nil && !caller.Account.ApprovedForProvisioning && !caller.Account.IsOperator {
		return false, merr.AccountBlocked(caller.Account.Login)
	}

	if caller.User != nil && len(caller.User.Roles) > 0 {
		caller.Roles, err = req.Mahi.RolesByUUID(ctx, caller.Account.UUID, caller.User.Roles)
		if err != nil {
			return false, err
		}
	}

	req.Auth.Caller = caller
	return false, nil
}

// VerifySignature checks the parsed signature against the caller's keyset.
func (a *Authenticator) VerifySignature(ctx context.Context, req *chain.RequestContext) (halt bool, err error) {
	defer mon.Task()(&ctx)(&err)

	sig := req.Auth.Signature
	if sig == nil {
		return false, nil
	}
	caller := req.Auth.Caller
	if caller == nil || caller.Anonymous {
		return false, merr.AuthorizationRequired()
	}

	material, ok := caller.KeyLookup(req.Auth.KeyID.Fingerprint)
	if !ok {
		return false, merr.KeyDoesNotExist(req.Auth.KeyID.Account, req.Auth.KeyID.Fingerprint)
	}
	return false, httpsig.Verify(material, sig.Algorithm, sig.SigningString, sig.Signature)
}

// ParseAuthTokenHeader unseals an x-auth-token delegation header. The sealed
// devkeyId must match the signature keyId that authenticated the bearer, and
// the caller is re-resolved as the token's principal.
func (a *Authenticator) ParseAuthTokenHeader(ctx context.Context, req *chain.RequestContext) (halt bool, err error) {
	defer mon.Task()(&ctx)(&err)

	opaque := req.Header("x-auth-token")
	if opaque == "" {
		return false, nil
	}

	tok, err := sealer.Unseal(opaque, a.authTokenCfg)
	if err != nil {
		return false, err
	}

	devkeyID, _ := tok.Conditions["devkeyId"].(string)
	if req.Auth.Signature == nil || devkeyID == "" || devkeyID != req.Auth.Signature.KeyID {
		return false, merr.InvalidHTTPAuthToken("keyId mismatch")
	}

	caller := &mahi.Caller{}
	caller.Account, err = req.Mahi.AccountByUUID(ctx, tok.AccountUUID)
	if err != nil {
		return false, err
	}
	if tok.UserUUID != "" {
		caller.User, err = req.Mahi.UserByUUID(ctx, tok.UserUUID)
		if err != nil {
			return false, err
		}
	}

	req.Auth.Token = tok
	req.Auth.AccountUUID = tok.AccountUUID
	req.Auth.UserUUID = tok.UserUUID
	req.Auth.Caller = caller
	return false, nil
}

// LoadOwner resolves the account owning the addressed resource, applies the
// anonymous-user fallback, and rejects access to blocked owners.
func (a *Authenticator) LoadOwner(ctx context.Context, req *chain.RequestContext) (halt bool, err error) {
	defer mon.Task()(&ctx)(&err)

	parts := strings.SplitN(req.Path(), "/", 3)
	if len(parts) < 2 || parts[1] == "" {
		return false, merr.ResourceNotFound(req.Path())
	}

	owner, err := req.Mahi.AccountByLogin(ctx, parts[1])
	if err != nil {
		return false, err
	}
	req.Auth.Owner = owner

	caller := req.Auth.Caller
	if caller == nil {
		return false, merr.AuthorizationRequired()
	}
	if caller.Anonymous {
		anon, err := req.Mahi.UserByLogin(ctx, owner.Login, mahi.AnonymousUserLogin)
		if err != nil {
			if merr.IsCode(err, "UserDoesNotExist") {
				return false, merr.AuthorizationRequired()
			}
			return false, err
		}
		req.Auth.Caller = &mahi.Caller{Account: owner, User: anon, Anonymous: true}
		caller = req.Auth.Caller
	}

	if !owner.ApprovedForProvisioning && !caller.IsOperator() {
		return false, merr.AccountBlocked(owner.Login)
	}
	return false, nil
}

// ActiveRoles derives the request's active role set. Token requests use the
// sealed activeRoles verbatim; otherwise the role query parameter wins over
// the role header, * expands to every granted role, and names resolve to
// uuids that must belong to the caller.
func (a *Authenticator) ActiveRoles(ctx context.Context, req *chain.RequestContext) (halt bool, err error) {
	defer mon.Task()(&ctx)(&err)

	caller := req.Auth.Caller

	if tok := req.Auth.Token; tok != nil {
		req.Auth.ActiveRoles = rolesFromConditions(tok.Conditions)
		return false, nil
	}

	requested := req.Query().Get("role")
	if requested == "" {
		requested = req.Header("role")
	}

	if requested == "" {
		req.Auth.ActiveRoles = caller.DefaultRoles()
		return false, nil
	}

	if requested == "*" {
		req.Auth.ActiveRoles = caller.GrantedRoles()
		return false, nil
	}

	granted := make(map[string]bool)
	for _, uuid := range caller.GrantedRoles() {
		granted[uuid] = true
	}

	var active []string
	for _, name := range strings.Split(requested, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		uuid, err := req.Mahi.RoleNameToUUID(ctx, caller.Account.UUID, name)
		if err != nil || !granted[uuid] {
			return false, merr.InvalidRole(name)
		}
		active = append(active, uuid)
	}
	req.Auth.ActiveRoles = active
	return false, nil
}

func rolesFromConditions(conditions map[string]interface{}) []string {
	switch roles := conditions["activeRoles"].(type) {
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
