// Copyright (C) 2026 Manta Authors.
// See LICENSE for copying information.

package webapi

import (
	"context"
	"encoding/json"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/manta-io/muskie/pkg/chain"
	"github.com/manta-io/muskie/pkg/merr"
	"github.com/manta-io/muskie/pkg/moray"
	"github.com/manta-io/muskie/pkg/mpu"
)

// authorizeUpload runs the evaluator for an upload operation; upload records
// carry no role tags, so access is owner- or operator-mediated.
func (s *Server) authorizeUpload(ctx context.Context, req *chain.RequestContext, action string) error {
	authCtx := req.AuthContext
	authCtx.Action = action
	authCtx.Resource.Key = req.Path()
	authCtx.Resource.Roles = nil
	return s.deps.Evaluator.Evaluate(ctx, authCtx)
}

type createUploadBody struct {
	ObjectPath string            `json:"objectPath"`
	Headers    map[string]string `json:"headers"`
}

// createUpload starts a multipart upload.
func (s *Server) createUpload(ctx context.Context, req *chain.RequestContext) (halt bool, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := s.authorizeUpload(ctx, req, "createupload"); err != nil {
		return false, err
	}

	var body createUploadBody
	if err := json.NewDecoder(req.Request.Body).Decode(&body); err != nil {
		return false, merr.BadRequest("the create body must be JSON")
	}

	rec, err := mpu.NewRecord(req.Params["account"], mpu.CreateRequest{
		ObjectPath: body.ObjectPath,
		Headers:    body.Headers,
	}, time.Now())
	if err != nil {
		return false, err
	}

	// the target path's account must exist
	targetAccount := strings.SplitN(rec.TargetObject, "/", 3)[1]
	if _, err := req.Mahi.AccountByLogin(ctx, targetAccount); err != nil {
		return false, err
	}

	if err := s.uploads.Create(ctx, req.Auth.Owner.UUID, rec); err != nil {
		return false, err
	}

	req.Writer.Header().Set("Content-Type", "application/json")
	req.Writer.Header().Set("Location", rec.PartsDirectory)
	req.Writer.WriteHeader(http.StatusCreated)
	err = json.NewEncoder(req.Writer).Encode(map[string]string{
		"id":             rec.ID,
		"partsDirectory": rec.PartsDirectory,
	})
	return true, Error.Wrap(err)
}

// redirectUpload points a bare upload id at its parts directory.
func (s *Server) redirectUpload(ctx context.Context, req *chain.RequestContext) (bool, error) {
	partsDir, err := mpu.PartsDirectoryFor(req.Params["account"], req.Params["id"])
	if err != nil {
		return false, merr.ResourceNotFound(req.Path())
	}
	req.Writer.Header().Set("Location", partsDir)
	req.Writer.WriteHeader(http.StatusMovedPermanently)
	return true, nil
}

// uploadState returns the upload record.
func (s *Server) uploadState(ctx context.Context, req *chain.RequestContext) (halt bool, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := s.authorizeUpload(ctx, req, "getupload"); err != nil {
		return false, err
	}

	rec, _, err := s.uploads.Load(ctx, req.Params["account"], req.Params["id"])
	if err != nil {
		return false, err
	}

	req.Writer.Header().Set("Content-Type", "application/json")
	return true, Error.Wrap(json.NewEncoder(req.Writer).Encode(rec))
}

// uploadPart stores one part object under the parts directory.
func (s *Server) uploadPart(ctx context.Context, req *chain.RequestContext) (halt bool, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := s.authorizeUpload(ctx, req, "uploadpart"); err != nil {
		return false, err
	}

	partNum, err := strconv.Atoi(req.Params["partNum"])
	if err != nil {
		partNum = -1
	}
	if err := mpu.ValidatePartNum(partNum); err != nil {
		return false, err
	}

	rec, _, err := s.uploads.Load(ctx, req.Params["account"], req.Params["id"])
	if err != nil {
		return false, err
	}
	if rec.State != mpu.StateCreated {
		return false, merr.InvalidMultipartUploadState(rec.ID, string(rec.State))
	}

	tuples, err := req.Picker.Choose(ctx, req.Request.ContentLength, rec.NumCopies)
	if err != nil {
		return false, err
	}

	objectID := uuid.NewString()
	idle := newIdleReader(req, s.cfg.IdleTimeout)
	defer idle.disarm()
	body := &countingReader{r: idle}
	var size int64
	var md5b64 string
	var stored []moray.StorageNode
	for _, tuple := range tuples {
		size, md5b64, err = s.deps.Sharks.Put(ctx, tuple, req.Auth.Owner.UUID, objectID, body,
			req.Request.ContentLength)
		if err == nil {
			stored = tuple
			break
		}
		if ErrSharkTimeout.Has(err) || ErrBodyIdle.Has(err) {
			return false, merr.UploadTimeout()
		}
		if body.n > 0 {
			break
		}
	}
	if stored == nil {
		return false, merr.SharksExhausted()
	}

	md := &moray.Metadata{
		Key:           rec.PartPath(partNum),
		Type:          "object",
		OwnerUUID:     req.Auth.Owner.UUID,
		ObjectID:      objectID,
		ContentMD5:    md5b64,
		ContentLength: size,
		Modified:      time.Now().UnixMilli(),
		Sharks:        tupleToSharks(stored),
	}
	if err := req.Moray.PutMetadata(ctx, md, moray.PutOptions{}); err != nil {
		return false, err
	}

	req.Writer.Header().Set("Etag", md.Etag)
	req.Writer.WriteHeader(http.StatusNoContent)
	return true, nil
}

type commitBody struct {
	Parts []string `json:"parts"`
}

// commitUpload validates the part set, composes the target object, and lands
// the upload in done/committed. Recommitting the same part set is a no-op
// success.
func (s *Server) commitUpload(ctx context.Context, req *chain.RequestContext) (halt bool, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := s.authorizeUpload(ctx, req, "commitupload"); err != nil {
		return false, err
	}

	var body commitBody
	if err := json.NewDecoder(req.Request.Body).Decode(&body); err != nil {
		return false, merr.BadRequest("the commit body must be JSON")
	}
	if err := mpu.ValidateEtags(body.Parts); err != nil {
		return false, err
	}
	summary := mpu.Summary(body.Parts)

	account := req.Params["account"]
	rec, etag, err := s.uploads.Load(ctx, account, req.Params["id"])
	if err != nil {
		return false, err
	}

	done, err := rec.BeginFinalize(mpu.TypeCommit)
	if err != nil {
		return false, err
	}
	if done {
		if err := rec.CheckRecommit(summary); err != nil {
			return false, err
		}
		return true, s.writeCommitted(ctx, req, rec)
	}

	parts, err := s.resolveParts(ctx, req, rec, body.Parts)
	if err != nil {
		return false, err
	}
	plan, err := mpu.PlanCommit(rec, parts)
	if err != nil {
		return false, err
	}

	// the target's parent directory must exist before any state moves
	parentDir := path.Dir(rec.TargetObject)
	if !implicitDirectory(parentDir) {
		parent, err := req.Moray.GetMetadata(ctx, parentDir)
		if moray.ErrObjectNotFound.Has(err) || (err == nil && !parent.IsDirectory()) {
			return false, merr.DirectoryDoesNotExist(parentDir)
		}
		if err != nil {
			return false, err
		}
	}

	if etag, err = s.uploads.Save(ctx, req.Auth.Owner.UUID, rec, etag); err != nil {
		return false, err
	}

	composed, err := s.composeTarget(ctx, req, rec, plan)
	if err != nil {
		return false, err
	}
	if err := rec.VerifyObjectMD5(composed.MD5); err != nil {
		return false, err
	}

	if err := s.writeTarget(ctx, req, rec, composed); err != nil {
		return false, err
	}
	if err := rec.CompleteCommit(plan.Summary); err != nil {
		return false, err
	}
	if _, err := s.uploads.Save(ctx, req.Auth.Owner.UUID, rec, etag); err != nil {
		return false, err
	}

	req.Writer.Header().Set("Computed-MD5", composed.MD5)
	req.Writer.WriteHeader(http.StatusNoContent)
	return true, nil
}

// resolveParts maps the submitted etags onto stored part objects, preserving
// submission order.
func (s *Server) resolveParts(ctx context.Context, req *chain.RequestContext, rec *mpu.Record, etags []string) ([]mpu.Part, error) {
	byEtag := map[string]*moray.Metadata{}
	marker := ""
	for {
		children, err := req.Moray.ListDirectory(ctx, rec.PartsDirectory, moray.ListOptions{
			Marker: marker,
			Limit:  maxListLimit,
		})
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			byEtag[child.Etag] = child
		}
		if len(children) < maxListLimit {
			break
		}
		marker = path.Base(children[len(children)-1].Key)
	}

	parts := make([]mpu.Part, 0, len(etags))
	for _, etag := range etags {
		child, ok := byEtag[etag]
		if !ok {
			return nil, merr.MultipartUploadInvalidArgument("etag " + etag + " does not name an uploaded part")
		}
		num, err := strconv.Atoi(path.Base(child.Key))
		if err != nil {
			return nil, Error.Wrap(err)
		}
		parts = append(parts, mpu.Part{Num: num, Etag: etag, Size: child.ContentLength})
	}
	return parts, nil
}

// composedObject is the storage-side result of a commit.
type composedObject struct {
	ObjectID string
	Size     int64
	MD5      string
	Sharks   []moray.Shark
}

// composeTarget builds the committed object on the storage fleet. Zero parts
// compose the zero-byte object without touching a shark.
func (s *Server) composeTarget(ctx context.Context, req *chain.RequestContext, rec *mpu.Record, plan *mpu.CommitPlan) (*composedObject, error) {
	if len(plan.Parts) == 0 {
		return &composedObject{MD5: mpu.EmptyObjectMD5}, nil
	}

	tuples, err := req.Picker.Choose(ctx, plan.TotalSize, rec.NumCopies)
	if err != nil {
		return nil, err
	}

	refs := make([]PartRef, 0, len(plan.Parts))
	for _, part := range plan.Parts {
		md, err := req.Moray.GetMetadata(ctx, rec.PartPath(part.Num))
		if err != nil {
			return nil, err
		}
		refs = append(refs, PartRef{
			OwnerUUID: md.OwnerUUID,
			ObjectID:  md.ObjectID,
			Sharks:    md.Sharks,
		})
	}

	objectID := uuid.NewString()
	for _, tuple := range tuples {
		size, md5b64, err := s.deps.Sharks.Finalize(ctx, tuple, req.Auth.Owner.UUID, objectID, refs)
		if err == nil {
			return &composedObject{
				ObjectID: objectID,
				Size:     size,
				MD5:      md5b64,
				Sharks:   tupleToSharks(tuple),
			}, nil
		}
	}
	return nil, merr.SharksExhausted()
}

// writeTarget records the composed object's metadata at the target path.
func (s *Server) writeTarget(ctx context.Context, req *chain.RequestContext, rec *mpu.Record, composed *composedObject) error {
	headers := map[string]string{}
	for name, value := range rec.Headers {
		if strings.HasPrefix(name, "m-") || strings.HasPrefix(name, "access-control-") ||
			name == "content-disposition" {
			headers[name] = value
		}
	}
	if len(headers) == 0 {
		headers = nil
	}

	contentType := rec.Headers["content-type"]
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	md := &moray.Metadata{
		Key:           rec.TargetObject,
		Type:          "object",
		OwnerUUID:     req.Auth.Owner.UUID,
		ObjectID:      composed.ObjectID,
		ContentMD5:    composed.MD5,
		ContentLength: composed.Size,
		ContentType:   contentType,
		Headers:       headers,
		Modified:      time.Now().UnixMilli(),
		Sharks:        composed.Sharks,
	}
	return req.Moray.PutMetadata(ctx, md, moray.PutOptions{})
}

// writeCommitted answers an idempotent recommit from the stored target.
func (s *Server) writeCommitted(ctx context.Context, req *chain.RequestContext, rec *mpu.Record) error {
	target, err := req.Moray.GetMetadata(ctx, rec.TargetObject)
	if err == nil {
		req.Writer.Header().Set("Computed-MD5", target.ContentMD5)
	}
	req.Writer.WriteHeader(http.StatusNoContent)
	return nil
}

// abortUpload lands the upload in done/aborted; aborting an aborted upload
// is a no-op success.
func (s *Server) abortUpload(ctx context.Context, req *chain.RequestContext) (halt bool, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := s.authorizeUpload(ctx, req, "abortupload"); err != nil {
		return false, err
	}

	rec, etag, err := s.uploads.Load(ctx, req.Params["account"], req.Params["id"])
	if err != nil {
		return false, err
	}

	done, err := rec.BeginFinalize(mpu.TypeAbort)
	if err != nil {
		return false, err
	}
	if !done {
		if etag, err = s.uploads.Save(ctx, req.Auth.Owner.UUID, rec, etag); err != nil {
			return false, err
		}
		if err := rec.CompleteAbort(); err != nil {
			return false, err
		}
		if _, err := s.uploads.Save(ctx, req.Auth.Owner.UUID, rec, etag); err != nil {
			return false, err
		}
	}
	req.Writer.WriteHeader(http.StatusNoContent)
	return true, nil
}

// deleteUploadPath gates the ordinary DELETE verb on upload paths: operators
// may delete with allowMpuDeletes=true exactly, anyone else gets a 405.
func (s *Server) deleteUploadPath(ctx context.Context, req *chain.RequestContext) (halt bool, err error) {
	defer mon.Task()(&ctx)(&err)

	caller := req.Auth.Caller
	if caller == nil || !caller.IsOperator() {
		return false, merr.MethodNotAllowed(req.Method(), req.Path())
	}
	if req.Query().Get("allowMpuDeletes") != "true" {
		return false, merr.UnprocessableEntity("allowMpuDeletes must be exactly true")
	}

	if halt, err := s.loadEntry(ctx, req); halt || err != nil {
		return halt, err
	}
	if halt, err := s.authorize("deleteobject")(ctx, req); halt || err != nil {
		return halt, err
	}
	return s.deleteEntry(ctx, req)
}
