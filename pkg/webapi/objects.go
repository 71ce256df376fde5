// Copyright (C) 2026 Manta Authors.
// See LICENSE for copying information.

package webapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/errs"

	"github.com/manta-io/muskie/pkg/chain"
	"github.com/manta-io/muskie/pkg/merr"
	"github.com/manta-io/muskie/pkg/moray"
)

const (
	directoryContentType = "application/json; type=directory"
	listingContentType   = "application/x-json-stream; type=directory"

	defaultListLimit = 256
	maxListLimit     = 1024
)

// storageTrees are the namespaces whose roots exist without metadata.
var storageTrees = map[string]bool{
	"stor": true, "public": true, "uploads": true, "reports": true,
}

// implicitDirectory reports whether p is a directory that exists by
// construction: a tree root, or an upload prefix directory.
func implicitDirectory(p string) bool {
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	switch len(parts) {
	case 2:
		return storageTrees[parts[1]]
	case 3:
		return parts[1] == "uploads"
	default:
		return false
	}
}

// loadEntry fetches the addressed entry and its parent. Missing reads with
// no surviving parent 404 here, before authorization runs.
func (s *Server) loadEntry(ctx context.Context, req *chain.RequestContext) (halt bool, err error) {
	defer mon.Task()(&ctx)(&err)

	entry, err := req.Moray.GetMetadata(ctx, req.Path())
	if err != nil && !moray.ErrObjectNotFound.Has(err) {
		return false, err
	}
	req.Entry = entry

	parent := path.Dir(req.Path())
	if implicitDirectory(req.Path()) {
		// tree roots have no parent entry to load
	} else if implicitDirectory(parent) {
		req.Parent = &moray.Metadata{Key: parent, Type: "directory"}
	} else {
		parentEntry, err := req.Moray.GetMetadata(ctx, parent)
		if err != nil && !moray.ErrObjectNotFound.Has(err) {
			return false, err
		}
		req.Parent = parentEntry
	}

	switch req.Method() {
	case http.MethodGet, http.MethodHead, http.MethodDelete:
		if req.Entry == nil && req.Parent == nil && !implicitDirectory(req.Path()) {
			return false, merr.ResourceNotFound(req.Path())
		}
	}
	return false, nil
}

// authorize binds the action and loaded resource into the authorization
// context and runs the evaluator.
func (s *Server) authorize(action string) chain.Handler {
	return func(ctx context.Context, req *chain.RequestContext) (halt bool, err error) {
		defer mon.Task()(&ctx)(&err)

		authCtx := req.AuthContext
		authCtx.Action = action
		switch {
		case req.Entry != nil:
			authCtx.Resource.Key = req.Entry.Key
			authCtx.Resource.Roles = req.Entry.Roles
		case req.Parent != nil:
			authCtx.Resource.Roles = req.Parent.Roles
		}

		if req.Method() == http.MethodPut && req.Entry != nil {
			authCtx.Conditions["overwrite"] = true
		}
		return false, s.deps.Evaluator.Evaluate(ctx, authCtx)
	}
}

// getEntry serves GET and HEAD for both objects and directories.
func (s *Server) getEntry(ctx context.Context, req *chain.RequestContext) (halt bool, err error) {
	defer mon.Task()(&ctx)(&err)

	entry := req.Entry
	if entry == nil {
		if implicitDirectory(req.Path()) {
			return true, s.writeListing(ctx, req)
		}
		return false, merr.ResourceNotFound(req.Path())
	}
	if entry.IsDirectory() {
		return true, s.writeListing(ctx, req)
	}

	notModified, err := checkReadConditions(req, entry)
	if err != nil {
		return false, err
	}

	header := req.Writer.Header()
	header.Set("Etag", entry.Etag)
	header.Set("Last-Modified", time.UnixMilli(entry.Modified).UTC().Format(http.TimeFormat))
	header.Set("Durability-Level", strconv.Itoa(len(entry.Sharks)))
	if entry.ContentType != "" {
		header.Set("Content-Type", entry.ContentType)
	}
	if entry.ContentMD5 != "" {
		header.Set("Content-MD5", entry.ContentMD5)
	}
	for name, value := range entry.UserHeaders() {
		header.Set(name, value)
	}
	applyCORS(req, entry)

	if notModified {
		req.Writer.WriteHeader(http.StatusNotModified)
		return true, nil
	}

	var rng *ByteRange
	status := http.StatusOK
	length := entry.ContentLength
	if rangeHeader := req.Header("Range"); rangeHeader != "" {
		rng, err = parseRange(rangeHeader, entry.ContentLength)
		if err != nil {
			return false, err
		}
		header.Set("Content-Range", rng.contentRange())
		status = http.StatusPartialContent
		length = rng.End - rng.Start + 1
	}
	header.Set("Content-Length", strconv.FormatInt(length, 10))
	header.Set("Accept-Ranges", "bytes")

	if req.Method() == http.MethodHead {
		req.Writer.WriteHeader(status)
		return true, nil
	}

	body, err := s.deps.Sharks.Get(ctx, PartRef{
		OwnerUUID: entry.OwnerUUID,
		ObjectID:  entry.ObjectID,
		Sharks:    entry.Sharks,
	}, rng)
	if err != nil {
		return false, merr.ServiceUnavailable().WithCause(err)
	}
	defer func() { _ = body.Close() }()

	req.Writer.WriteHeader(status)
	_, err = io.Copy(req.Writer, body)
	return true, Error.Wrap(err)
}

// listEntry is one line of a directory listing.
type listEntry struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Etag       string `json:"etag,omitempty"`
	Size       int64  `json:"size,omitempty"`
	Durability int    `json:"durability,omitempty"`
	MTime      string `json:"mtime"`
}

// writeListing streams a directory listing as newline-separated JSON.
func (s *Server) writeListing(ctx context.Context, req *chain.RequestContext) error {
	limit := defaultListLimit
	if raw := req.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxListLimit {
			return merr.InvalidParameter("limit", raw)
		}
		limit = parsed
	}

	children, err := req.Moray.ListDirectory(ctx, req.Path(), moray.ListOptions{
		Marker: req.Query().Get("marker"),
		Limit:  limit,
	})
	if err != nil {
		return err
	}

	header := req.Writer.Header()
	header.Set("Content-Type", listingContentType)
	header.Set("Result-Set-Size", strconv.Itoa(len(children)))
	if req.Method() == http.MethodHead {
		req.Writer.WriteHeader(http.StatusOK)
		return nil
	}

	encoder := json.NewEncoder(req.Writer)
	for _, child := range children {
		line := listEntry{
			Name:  path.Base(child.Key),
			Type:  child.Type,
			Etag:  child.Etag,
			MTime: time.UnixMilli(child.Modified).UTC().Format(time.RFC3339),
		}
		if !child.IsDirectory() {
			line.Size = child.ContentLength
			line.Durability = len(child.Sharks)
		}
		if err := encoder.Encode(line); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

// putEntry dispatches a PUT to directory creation or an object write based
// on the declared content type.
func (s *Server) putEntry(ctx context.Context, req *chain.RequestContext) (halt bool, err error) {
	defer mon.Task()(&ctx)(&err)

	if req.Parent == nil {
		return false, merr.DirectoryDoesNotExist(path.Dir(req.Path()))
	}
	if !req.Parent.IsDirectory() {
		return false, merr.ParentNotDirectory(path.Dir(req.Path()))
	}

	// a Location header would request a snaplink, which this deployment
	// does not serve
	if req.Header("Location") != "" {
		return false, merr.SnaplinksDisabled()
	}

	if strings.HasPrefix(req.Header("Content-Type"), "application/json; type=directory") {
		return s.putDirectory(ctx, req)
	}
	return s.putObject(ctx, req)
}

// putDirectory creates a directory; re-creating an existing one succeeds.
func (s *Server) putDirectory(ctx context.Context, req *chain.RequestContext) (bool, error) {
	if req.Entry != nil {
		if !req.Entry.IsDirectory() {
			return false, merr.EntityAlreadyExists(req.Path())
		}
		req.Writer.WriteHeader(http.StatusNoContent)
		return true, nil
	}

	roles, err := roleTags(ctx, req)
	if err != nil {
		return false, err
	}
	md := &moray.Metadata{
		Key:       req.Path(),
		Type:      "directory",
		OwnerUUID: req.Auth.Owner.UUID,
		Modified:  time.Now().UnixMilli(),
		Roles:     roles,
	}
	if err := req.Moray.PutMetadata(ctx, md, moray.PutOptions{}); err != nil {
		return false, err
	}
	req.Writer.WriteHeader(http.StatusNoContent)
	return true, nil
}

// putObject streams the body to a chosen shark tuple and records metadata.
func (s *Server) putObject(ctx context.Context, req *chain.RequestContext) (bool, error) {
	entry := req.Entry
	if entry != nil && entry.IsDirectory() {
		return false, merr.OperationNotAllowedOnDirectory(req.Path())
	}
	if err := checkWriteConditions(req, entry); err != nil {
		return false, err
	}

	copies := s.cfg.DefaultDurability
	if raw := req.Header("Durability-Level"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 9 {
			return false, merr.InvalidDurabilityLevel(1, 9)
		}
		copies = parsed
	}

	maxLength := s.cfg.MaxContentLength
	if raw := req.Header("Max-Content-Length"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			return false, merr.InvalidMaxContentLength(raw)
		}
		if parsed < maxLength {
			maxLength = parsed
		}
	}
	contentLength := req.Request.ContentLength
	if contentLength > maxLength {
		return false, merr.MaxContentLengthExceeded(maxLength)
	}

	roles, err := roleTags(ctx, req)
	if err != nil {
		return false, err
	}

	tuples, err := req.Picker.Choose(ctx, contentLength, copies)
	if err != nil {
		return false, err
	}

	objectID := uuid.NewString()
	idle := newIdleReader(req, s.cfg.IdleTimeout)
	defer idle.disarm()
	body := &countingReader{r: http.MaxBytesReader(nil, io.NopCloser(idle), maxLength)}

	var size int64
	var md5b64 string
	var stored []moray.StorageNode
	for _, tuple := range tuples {
		size, md5b64, err = s.deps.Sharks.Put(ctx, tuple, req.Auth.Owner.UUID, objectID, body, contentLength)
		if err == nil {
			stored = tuple
			break
		}
		if ErrSharkTimeout.Has(err) || ErrBodyIdle.Has(err) {
			return false, merr.UploadTimeout()
		}
		if body.n > 0 {
			// bytes are gone; no tuple can replay them
			break
		}
	}
	if stored == nil {
		if body.n >= maxLength {
			return false, merr.MaxContentLengthExceeded(maxLength)
		}
		return false, merr.SharksExhausted()
	}

	if want := req.Header("Content-MD5"); want != "" && want != md5b64 {
		return false, merr.ContentMD5Mismatch(want, md5b64)
	}

	md := &moray.Metadata{
		Key:           req.Path(),
		Type:          "object",
		OwnerUUID:     req.Auth.Owner.UUID,
		ObjectID:      objectID,
		ContentMD5:    md5b64,
		ContentLength: size,
		ContentType:   objectContentType(req),
		Headers:       userHeaders(req),
		Roles:         roles,
		Modified:      time.Now().UnixMilli(),
		Sharks:        tupleToSharks(stored),
	}
	opts := moray.PutOptions{}
	if entry != nil {
		opts.Etag = entry.Etag
	}
	if err := req.Moray.PutMetadata(ctx, md, opts); err != nil {
		return false, err
	}

	req.Writer.Header().Set("Etag", md.Etag)
	req.Writer.Header().Set("Computed-MD5", md5b64)
	req.Writer.WriteHeader(http.StatusNoContent)
	return true, nil
}

// deleteEntry removes an object or an empty directory.
func (s *Server) deleteEntry(ctx context.Context, req *chain.RequestContext) (halt bool, err error) {
	defer mon.Task()(&ctx)(&err)

	entry := req.Entry
	if entry == nil {
		return false, merr.ResourceNotFound(req.Path())
	}
	if err := checkWriteConditions(req, entry); err != nil {
		return false, err
	}

	if entry.IsDirectory() {
		children, err := req.Moray.ListDirectory(ctx, entry.Key, moray.ListOptions{Limit: 1})
		if err != nil {
			return false, err
		}
		if len(children) > 0 {
			return false, merr.DirectoryNotEmpty(entry.Key)
		}
	}

	if err := req.Moray.DeleteMetadata(ctx, entry.Key, moray.PutOptions{Etag: entry.Etag}); err != nil {
		return false, err
	}
	req.Writer.WriteHeader(http.StatusNoContent)
	return true, nil
}

// ErrBodyIdle marks a request body that delivered no byte within the idle
// window.
var ErrBodyIdle = errs.Class("body idle")

// idleReader re-arms a read deadline on the connection before every body
// read, so a write whose body stalls past the window fails instead of
// holding the slot open.
type idleReader struct {
	r      io.Reader
	ctl    *http.ResponseController
	window time.Duration
	armed  bool
}

func newIdleReader(req *chain.RequestContext, window time.Duration) *idleReader {
	return &idleReader{
		r:      req.Request.Body,
		ctl:    http.NewResponseController(req.Writer),
		window: window,
		armed:  window > 0,
	}
}

func (reader *idleReader) Read(p []byte) (int, error) {
	if reader.armed {
		// connections that cannot carry read deadlines keep only the
		// shark-side context as a backstop
		if err := reader.ctl.SetReadDeadline(time.Now().Add(reader.window)); err != nil {
			reader.armed = false
		}
	}
	n, err := reader.r.Read(p)
	if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		return n, ErrBodyIdle.Wrap(err)
	}
	return n, err
}

// disarm clears the deadline so it cannot fire against a later request on
// the same connection.
func (reader *idleReader) disarm() {
	if reader.armed {
		_ = reader.ctl.SetReadDeadline(time.Time{})
	}
}

// countingReader tracks consumed bytes so tuple failover knows whether the
// body can still be replayed.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func objectContentType(req *chain.RequestContext) string {
	if ct := req.Header("Content-Type"); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// userHeaders collects the durable request headers: anything m- prefixed
// plus the stored access-control set.
func userHeaders(req *chain.RequestContext) map[string]string {
	headers := map[string]string{}
	for name, values := range req.Request.Header {
		lower := strings.ToLower(name)
		if (strings.HasPrefix(lower, "m-") || strings.HasPrefix(lower, "access-control-")) &&
			len(values) > 0 {
			headers[lower] = values[0]
		}
	}
	if disposition := req.Header("Content-Disposition"); disposition != "" {
		headers["content-disposition"] = disposition
	}
	if len(headers) == 0 {
		return nil
	}
	return headers
}

// roleTags resolves the role-tag header, a list of role names, into the
// role uuids stored on the entry. Without the header, new entries are tagged
// with the caller's active roles.
func roleTags(ctx context.Context, req *chain.RequestContext) ([]string, error) {
	header := req.Header("role-tag")
	if header == "" {
		return req.Auth.ActiveRoles, nil
	}
	var tags []string
	for _, name := range strings.Split(header, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		roleUUID, err := req.Mahi.RoleNameToUUID(ctx, req.Auth.Owner.UUID, name)
		if err != nil {
			return nil, merr.InvalidRoleTag(name)
		}
		tags = append(tags, roleUUID)
	}
	return tags, nil
}

func tupleToSharks(tuple []moray.StorageNode) []moray.Shark {
	sharks := make([]moray.Shark, 0, len(tuple))
	for _, node := range tuple {
		sharks = append(sharks, moray.Shark{
			Datacenter:     node.Datacenter,
			MantaStorageID: node.MantaStorageID,
		})
	}
	return sharks
}
