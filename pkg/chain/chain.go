// Copyright (C) 2026 Manta Authors.
// See LICENSE for copying information.

// Package chain runs per-route handler pipelines over a typed request
// context. It is the spine every route hangs off of: handlers run in order,
// any error short-circuits the chain, and a handler can halt it successfully.
package chain

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/manta-io/muskie/pkg/authz"
	"github.com/manta-io/muskie/pkg/httpsig"
	"github.com/manta-io/muskie/pkg/mahi"
	"github.com/manta-io/muskie/pkg/merr"
	"github.com/manta-io/muskie/pkg/moray"
	"github.com/manta-io/muskie/pkg/picker"
	"github.com/manta-io/muskie/pkg/sealer"
)

var mon = monkit.Package()

// AuthState is the mutable per-request authentication record, filled in
// stage by stage as the auth pipeline runs.
type AuthState struct {
	Signature *httpsig.Signature
	Presigned *httpsig.Presigned
	Token     *sealer.Token

	// identity hints accumulated before the caller is loaded
	AccountLogin string
	AccountUUID  string
	UserLogin    string
	UserUUID     string
	KeyID        httpsig.KeyID

	Caller *mahi.Caller
	Owner  *mahi.Account

	ActiveRoles []string
}

// RequestContext is the shared state one request's handlers read and write.
// Handler N's writes are visible to handler N+1; nothing is shared across
// requests except the injected clients.
type RequestContext struct {
	Writer  http.ResponseWriter
	Request *http.Request

	// PathPreSanitize is the raw request path before canonicalization;
	// presigned signatures cover this form.
	PathPreSanitize string
	RequestID       string
	StartedAt       time.Time
	Params          map[string]string

	Log    *zap.Logger
	Mahi   mahi.Resolver
	Moray  moray.Client
	Picker *picker.Picker

	TokenConfig     sealer.Config // tokens minted by POST /:account/tokens
	AuthTokenConfig sealer.Config // x-auth-token delegation headers

	Auth        AuthState
	AuthContext *authz.Context

	// metadata loaded for the addressed resource and its parent
	Entry  *moray.Metadata
	Parent *moray.Metadata
}

// NewRequestContext builds the context for one request.
func NewRequestContext(w http.ResponseWriter, r *http.Request, requestID string, log *zap.Logger) *RequestContext {
	raw := r.RequestURI
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	return &RequestContext{
		Writer:          w,
		Request:         r,
		PathPreSanitize: raw,
		RequestID:       requestID,
		StartedAt:       time.Now(),
		Params:          map[string]string{},
		Log:             log.With(zap.String("req_id", requestID)),
		AuthContext:     &authz.Context{Conditions: map[string]interface{}{}},
	}
}

// Method returns the request method.
func (req *RequestContext) Method() string { return req.Request.Method }

// Path returns the sanitized request path.
func (req *RequestContext) Path() string { return req.Request.URL.Path }

// Query returns the parsed query parameters.
func (req *RequestContext) Query() url.Values { return req.Request.URL.Query() }

// Header returns the named request header.
func (req *RequestContext) Header(name string) string { return req.Request.Header.Get(name) }

// Handler is one chain step. Returning halt=true ends the chain successfully
// without running later handlers (the upgrade/hijack case); returning an
// error aborts it. The runtime owns advancing the chain, so a handler cannot
// continue it twice.
type Handler func(ctx context.Context, req *RequestContext) (halt bool, err error)

// Chain is an ordered handler pipeline bound to a route.
type Chain struct {
	name     string
	handlers []Handler
}

// New creates a named chain.
func New(name string, handlers ...Handler) *Chain {
	return &Chain{name: name, handlers: handlers}
}

// Append returns a new chain with more handlers; the receiver is unchanged,
// so shared prefixes can be reused across routes.
func (chain *Chain) Append(handlers ...Handler) *Chain {
	combined := make([]Handler, 0, len(chain.handlers)+len(handlers))
	combined = append(combined, chain.handlers...)
	combined = append(combined, handlers...)
	return &Chain{name: chain.name, handlers: combined}
}

// Handle runs the chain. Errors are translated to taxonomy errors and
// written to the client; the cause chain stays in the log.
func (chain *Chain) Handle(ctx context.Context, req *RequestContext) {
	_ = chain.run(ctx, req)
}

// run reports the handler error, so instrumentation counts failed requests
// as failures.
func (chain *Chain) run(ctx context.Context, req *RequestContext) (err error) {
	defer mon.TaskNamed(chain.name)(&ctx)(&err)

	var halt bool
	for _, handler := range chain.handlers {
		halt, err = handler(ctx, req)
		if err != nil {
			translated := Translate(err, req.Path())
			req.Log.Error("request failed",
				zap.String("route", chain.name),
				zap.String("method", req.Method()),
				zap.String("path", req.Path()),
				zap.String("code", translated.RestCode()),
				zap.Error(err))
			merr.WriteError(req.Writer, translated)
			return err
		}
		if halt {
			return nil
		}
	}
	return nil
}
