// Copyright (C) 2026 Manta Authors.
// See LICENSE for copying information.

// Package webapi is the front door: it binds the HTTP surface to the
// authentication pipeline, the authorization evaluator, the metadata ring,
// the storage-node picker, and the shark fleet.
package webapi

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/manta-io/muskie/pkg/auth"
	"github.com/manta-io/muskie/pkg/authz"
	"github.com/manta-io/muskie/pkg/chain"
	"github.com/manta-io/muskie/pkg/mahi"
	"github.com/manta-io/muskie/pkg/merr"
	"github.com/manta-io/muskie/pkg/moray"
	"github.com/manta-io/muskie/pkg/mpu"
	"github.com/manta-io/muskie/pkg/picker"
	"github.com/manta-io/muskie/pkg/sealer"
)

var (
	mon = monkit.Package()

	// Error is the class of internal webapi errors.
	Error = errs.Class("webapi error")
)

// serverName is sent on every response.
const serverName = "Manta/2"

// Config holds the server settings.
type Config struct {
	Address           string        `help:"address for the api server" default:":8080"`
	MaxContentLength  int64         `help:"largest accepted object in bytes" default:"5368709120"`
	IdleTimeout       time.Duration `help:"idle window before a stalled write times out" default:"45s"`
	DefaultDurability int           `help:"copies stored when no durability-level is given" default:"2"`
}

// Deps are the collaborators the server is wired to.
type Deps struct {
	Resolver      mahi.Resolver
	Authenticator *auth.Authenticator
	Evaluator     *authz.Evaluator
	Metadata      moray.Client
	Picker        *picker.Picker
	Sharks        SharkClient
	TokenConfig   sealer.Config
}

// Server is the muskie HTTP front end.
type Server struct {
	log     *zap.Logger
	cfg     Config
	deps    Deps
	uploads *mpu.Store
	router  chi.Router
	http    http.Server
}

// New creates the server and builds its routing table.
func New(log *zap.Logger, cfg Config, deps Deps) *Server {
	s := &Server{
		log:     log,
		cfg:     cfg,
		deps:    deps,
		uploads: mpu.NewStore(log.Named("mpu"), deps.Metadata),
	}
	s.router = s.buildRouter()
	s.http = http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       cfg.IdleTimeout,
	}
	return s
}

// Handler exposes the routing table, mainly to tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return Error.Wrap(err)
	}
	s.log.Info("server started", zap.String("address", listener.Addr().String()))

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return Error.Wrap(s.http.Shutdown(shutdownCtx))
	})
	group.Go(func() error {
		err := s.http.Serve(listener)
		if err == http.ErrServerClosed {
			return nil
		}
		return Error.Wrap(err)
	})
	return group.Wait()
}

// Close stops the server immediately.
func (s *Server) Close() error {
	return Error.Wrap(s.http.Close())
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		s.writeDirect(w, merr.MethodNotAllowed(req.Method, req.URL.Path))
	})
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		s.writeDirect(w, merr.ResourceNotFound(req.URL.Path))
	})

	authed := chain.New("request", s.deps.Authenticator.Handlers()...)

	r.Post("/{account}/tokens", s.handle(authed.Append(s.mintToken)))

	r.Route("/{account}/uploads", func(r chi.Router) {
		r.Post("/", s.handle(authed.Append(s.createUpload)))
		r.Get("/{id}", s.handle(authed.Append(s.redirectUpload)))
		r.Route("/{prefix}/{id}", func(r chi.Router) {
			r.Get("/", s.handle(authed.Append(s.loadEntry, s.authorize("getdirectory"), s.getEntry)))
			r.Delete("/", s.handle(authed.Append(s.deleteUploadPath)))
			r.Get("/state", s.handle(authed.Append(s.uploadState)))
			r.Post("/commit", s.handle(authed.Append(s.commitUpload)))
			r.Post("/abort", s.handle(authed.Append(s.abortUpload)))
			r.Put("/{partNum}", s.handle(authed.Append(s.uploadPart)))
			r.Delete("/{partNum}", s.handle(authed.Append(s.deleteUploadPath)))
		})
	})

	objects := func(r chi.Router) {
		r.Get("/", s.handle(authed.Append(s.loadEntry, s.authorize("getdirectory"), s.getEntry)))
		r.Head("/", s.handle(authed.Append(s.loadEntry, s.authorize("getdirectory"), s.getEntry)))
		r.Put("/", s.handle(authed.Append(s.rejectRoot)))
		r.Delete("/", s.handle(authed.Append(s.rejectRoot)))
		r.Get("/*", s.handle(authed.Append(s.loadEntry, s.authorize("getobject"), s.getEntry)))
		r.Head("/*", s.handle(authed.Append(s.loadEntry, s.authorize("getobject"), s.getEntry)))
		r.Put("/*", s.handle(authed.Append(s.loadEntry, s.authorize("putobject"), s.putEntry)))
		r.Delete("/*", s.handle(authed.Append(s.loadEntry, s.authorize("deleteobject"), s.deleteEntry)))
	}
	r.Route("/{account}/stor", objects)
	r.Route("/{account}/public", objects)

	return r
}

// handle adapts a chain to chi: one RequestContext per request, dependencies
// injected, route params copied over.
func (s *Server) handle(c *chain.Chain) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		w.Header().Set("Server", serverName)
		w.Header().Set("x-request-id", requestID)
		w.Header().Set("x-server-name", serverName)

		req := chain.NewRequestContext(w, r, requestID, s.log)
		req.Moray = s.deps.Metadata
		req.Picker = s.deps.Picker
		req.Mahi = s.deps.Resolver
		req.TokenConfig = s.deps.TokenConfig
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			for i, key := range rctx.URLParams.Keys {
				req.Params[key] = rctx.URLParams.Values[i]
			}
		}

		started := time.Now()
		c.Handle(r.Context(), req)
		s.log.Debug("request",
			zap.String("req_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(started)))
	}
}

func (s *Server) writeDirect(w http.ResponseWriter, e *merr.E) {
	w.Header().Set("Server", serverName)
	merr.WriteError(w, e)
}

// rejectRoot refuses writes against the storage root itself.
func (s *Server) rejectRoot(ctx context.Context, req *chain.RequestContext) (bool, error) {
	return false, merr.OperationNotAllowedOnRootDirectory()
}
