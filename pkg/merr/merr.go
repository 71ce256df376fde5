// Copyright (C) 2026 Manta Authors.
// See LICENSE for copying information.

// Package merr is the taxonomy of user-visible errors. Every failure that can
// reach a client is one of the constructors below, carrying a stable rest code
// and an HTTP status. Internal causes are chained but never serialized.
package merr

import (
	"fmt"
	"net/http"
)

// E is a user-visible error. Cause, when set, is for logs only. Headers, when
// set, are echoed on the error response (Retry-After, Content-Range).
type E struct {
	Code    string
	Status  int
	Message string
	Cause   error
	Headers map[string]string
}

// Error implements the error interface.
func (e *E) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the chained cause.
func (e *E) Unwrap() error { return e.Cause }

// RestCode returns the stable wire code.
func (e *E) RestCode() string { return e.Code }

// HTTPStatus returns the HTTP status to respond with.
func (e *E) HTTPStatus() int { return e.Status }

// WithCause attaches an internal cause and returns the error.
func (e *E) WithCause(cause error) *E {
	e.Cause = cause
	return e
}

func newE(code string, status int, format string, args ...interface{}) *E {
	return &E{Code: code, Status: status, Message: fmt.Sprintf(format, args...)}
}

// IsCode reports whether err is a taxonomy error with the given rest code.
func IsCode(err error, code string) bool {
	e, ok := err.(*E)
	return ok && e.Code == code
}

// Client identity errors.

// AccountDoesNotExist is returned when the named account cannot be resolved.
func AccountDoesNotExist(login string) *E {
	return newE("AccountDoesNotExist", http.StatusForbidden, "%s does not exist", login)
}

// UserDoesNotExist is returned when the named subuser cannot be resolved.
func UserDoesNotExist(account, user string) *E {
	return newE("UserDoesNotExist", http.StatusForbidden, "%s/%s does not exist", account, user)
}

// AccountBlocked is returned for accounts not approved for provisioning.
func AccountBlocked(login string) *E {
	return newE("AccountBlocked", http.StatusForbidden, "account %s is not active", login)
}

// KeyDoesNotExist is returned when a signature names an unknown key fingerprint.
func KeyDoesNotExist(account, fp string) *E {
	return newE("KeyDoesNotExist", http.StatusForbidden, "/%s/keys/%s does not exist", account, fp)
}

// InvalidKeyID is returned for malformed signature keyIds.
func InvalidKeyID() *E {
	return newE("InvalidKeyId", http.StatusForbidden, "the KeyId token you provided is invalid")
}

// InvalidSignature is returned when signature verification fails.
func InvalidSignature() *E {
	return newE("InvalidSignature", http.StatusForbidden, "the signature we calculated does not match the one you sent")
}

// InvalidAuthToken is the single error for every unsealable delegation token.
func InvalidAuthToken() *E {
	return newE("InvalidAuthenticationToken", http.StatusForbidden, "the authentication token you provided is malformed")
}

// InvalidHTTPAuthToken is returned when an x-auth-token disagrees with the signing key.
func InvalidHTTPAuthToken(reason string) *E {
	return newE("InvalidHttpAuthenticationToken", http.StatusForbidden, "%s", reason)
}

// InvalidAlgorithm is returned for signature algorithms outside the allow-list.
func InvalidAlgorithm(alg string) *E {
	return newE("InvalidAlgorithm", http.StatusUnauthorized, "%s is not a supported signing algorithm", alg)
}

// AuthorizationRequired is returned for anonymous access to non-public resources.
func AuthorizationRequired() *E {
	return newE("AuthorizationRequired", http.StatusUnauthorized, "authorization is required")
}

// AuthSchemeNotAllowed is returned for Authorization schemes other than Signature or Token.
func AuthSchemeNotAllowed(scheme string) *E {
	return newE("AuthorizationSchemeNotAllowed", http.StatusForbidden, "%s is not a supported authorization scheme", scheme)
}

// AuthorizationFailed is the generic authorization failure.
func AuthorizationFailed(login, path string) *E {
	return newE("AuthorizationFailed", http.StatusForbidden, "%s is not allowed to access %s", login, path)
}

// NoMatchingRoleTag is returned when no active role intersects the resource role tags.
func NoMatchingRoleTag() *E {
	return newE("NoMatchingRoleTag", http.StatusForbidden, "none of your active roles are present on the resource")
}

// InvalidRole is returned when a requested role is not granted to the caller.
func InvalidRole(name string) *E {
	return newE("InvalidRole", http.StatusConflict, "role %q is invalid", name)
}

// InvalidRoleTag is returned when a role-tag header names an unknown role.
func InvalidRoleTag(name string) *E {
	return newE("InvalidRoleTag", http.StatusConflict, "role tag %q is invalid", name)
}

// MissingPermission is returned for cross-account access without a grant.
func MissingPermission(perm string) *E {
	return newE("MissingPermission", http.StatusForbidden, "missing role allowing %s", perm)
}

// InvalidQueryStringAuthentication covers every presigned-request failure.
func InvalidQueryStringAuthentication(reason string) *E {
	return newE("InvalidQueryStringAuthentication", http.StatusForbidden, "%s", reason)
}

// Request shape errors.

// InvalidResource is returned for unroutable or malformed resource paths.
func InvalidResource(p string) *E {
	return newE("InvalidResource", http.StatusBadRequest, "%s is not a valid resource", p)
}

// InvalidParameter is returned for malformed request parameters.
func InvalidParameter(name string, value interface{}) *E {
	return newE("InvalidParameter", http.StatusBadRequest, "%s was not a valid value for %s", fmt.Sprint(value), name)
}

// InvalidUpdate is returned for disallowed metadata updates.
func InvalidUpdate(name string) *E {
	return newE("InvalidUpdate", http.StatusBadRequest, "overwrite of %q forbidden", name)
}

// InvalidDurabilityLevel is returned when durability-level is out of range.
func InvalidDurabilityLevel(min, max int) *E {
	return newE("InvalidDurabilityLevel", http.StatusBadRequest, "durability-level must be between %d and %d", min, max)
}

// InvalidLink is returned for malformed snaplink sources.
func InvalidLink(p string) *E {
	return newE("InvalidLink", http.StatusBadRequest, "%s is not a valid link", p)
}

// LocationRequired is returned when a link PUT lacks a Location header.
func LocationRequired() *E {
	return newE("LocationRequired", http.StatusBadRequest, "Location header is required")
}

// InvalidMaxContentLength is returned for unparseable max-content-length.
func InvalidMaxContentLength(v string) *E {
	return newE("InvalidMaxContentLength", http.StatusBadRequest, "max-content-length %q is invalid", v)
}

// ContentLengthRequired is returned when a write carries neither length nor chunking.
func ContentLengthRequired() *E {
	return newE("ContentLengthRequired", http.StatusLengthRequired, "Content-Length must be >= 0")
}

// ContentMD5Mismatch is returned when streamed bytes do not match the declared MD5.
func ContentMD5Mismatch(expected, actual string) *E {
	return newE("ContentMD5Mismatch", http.StatusBadRequest, "Content-MD5 expected %s, but %s was computed", expected, actual)
}

// BadRequest is the generic malformed-request error.
func BadRequest(reason string) *E {
	return newE("BadRequest", http.StatusBadRequest, "%s", reason)
}

// PreconditionFailed is returned when a conditional request header does not
// hold against the stored entry.
func PreconditionFailed(header string) *E {
	return newE("PreconditionFailed", http.StatusPreconditionFailed, "%s did not match", header)
}

// NotAcceptable is returned when content negotiation fails.
func NotAcceptable(accept string) *E {
	return newE("NotAcceptable", http.StatusNotAcceptable, "%s is not acceptable", accept)
}

// RangeNotSatisfiable is returned for ranges outside the object. ContentRange,
// when non-empty, is echoed as the Content-Range header.
func RangeNotSatisfiable(contentRange string) *E {
	e := newE("RangeNotSatisfiable", http.StatusRequestedRangeNotSatisfiable, "the requested range is not satisfiable")
	if contentRange != "" {
		e.Headers = map[string]string{"Content-Range": contentRange}
	}
	return e
}

// Namespace errors.

// ResourceNotFound is returned for missing objects.
func ResourceNotFound(p string) *E {
	return newE("ResourceNotFound", http.StatusNotFound, "%s was not found", p)
}

// DirectoryDoesNotExist is returned when a parent directory is missing.
func DirectoryDoesNotExist(p string) *E {
	return newE("DirectoryDoesNotExist", http.StatusNotFound, "%s does not exist", p)
}

// DirectoryNotEmpty is returned for deletes of non-empty directories.
func DirectoryNotEmpty(p string) *E {
	return newE("DirectoryNotEmpty", http.StatusBadRequest, "%s is not empty", p)
}

// DirectoryLimitExceeded is returned when a directory is at capacity.
func DirectoryLimitExceeded(p string) *E {
	return newE("DirectoryLimitExceeded", http.StatusConflict, "%s has too many entries", p)
}

// OperationNotAllowedOnDirectory is returned for object verbs against directories.
func OperationNotAllowedOnDirectory(p string) *E {
	return newE("OperationNotAllowedOnDirectory", http.StatusBadRequest, "%s is a directory", p)
}

// OperationNotAllowedOnRootDirectory is returned for writes to an account root.
func OperationNotAllowedOnRootDirectory() *E {
	return newE("OperationNotAllowedOnRootDirectory", http.StatusBadRequest, "the root directory cannot be written to")
}

// ParentNotDirectory is returned when a path component is an object.
func ParentNotDirectory(p string) *E {
	return newE("ParentNotDirectory", http.StatusBadRequest, "parent of %s is not a directory", p)
}

// EntityAlreadyExists is returned for conflicting creates.
func EntityAlreadyExists(p string) *E {
	return newE("EntityAlreadyExists", http.StatusConflict, "%s already exists", p)
}

// SourceObjectNotFound is returned for snaplinks to missing sources.
func SourceObjectNotFound(p string) *E {
	return newE("SourceObjectNotFound", http.StatusNotFound, "source object %s does not exist", p)
}

// LinkNotObject is returned for snaplinks to directories.
func LinkNotObject(p string) *E {
	return newE("LinkNotObject", http.StatusBadRequest, "%s is not an object", p)
}

// ConcurrentRequest is returned for etag races.
func ConcurrentRequest(p string) *E {
	return newE("ConcurrentRequest", http.StatusConflict, "%s was concurrently updated", p)
}

// MPU errors.

// MultipartUploadInvalidArgument covers every commit-time validation failure.
func MultipartUploadInvalidArgument(reason string) *E {
	return newE("MultipartUploadInvalidArgument", http.StatusConflict, "%s", reason)
}

// InvalidMultipartUploadState is returned for finalize against a conflicting state.
func InvalidMultipartUploadState(id, state string) *E {
	return newE("InvalidMultipartUploadState", http.StatusConflict, "upload %s is in state %q", id, state)
}

// MultipartUploadPartNum is returned for part numbers outside [0, 9999].
func MultipartUploadPartNum(n int) *E {
	return newE("MultipartUploadPartNum", http.StatusConflict, "%d is not a valid part number", n)
}

// Transport and capacity errors.

// NotEnoughSpace is returned when the picker cannot satisfy a placement.
func NotEnoughSpace(sizeMB int64) *E {
	return newE("NotEnoughSpace", http.StatusInsufficientStorage, "not enough free space for %d MB", sizeMB)
}

// MaxContentLengthExceeded is returned when a stream overruns its declared cap.
func MaxContentLengthExceeded(max int64) *E {
	return newE("MaxContentLengthExceeded", http.StatusRequestEntityTooLarge, "request has exceeded %d bytes", max)
}

// UploadTimeout is returned when a write stalls past the idle window.
func UploadTimeout() *E {
	return newE("UploadTimeout", http.StatusRequestTimeout, "request took too long to send data")
}

// UploadAbandoned is returned when the client disconnects mid-stream.
func UploadAbandoned() *E {
	return newE("UploadAbandoned", 499, "request was abandoned before completion")
}

// ExpectedUpgrade is returned when a route requires a connection upgrade.
func ExpectedUpgrade() *E {
	return newE("ExpectedUpgrade", http.StatusBadRequest, "expected connection upgrade")
}

// Throttled is returned when the server sheds load.
func Throttled() *E {
	return newE("ThrottledError", http.StatusServiceUnavailable, "manta is temporarily unable to handle this request")
}

// ServiceUnavailable is returned for downstream overload.
func ServiceUnavailable() *E {
	return newE("ServiceUnavailable", http.StatusServiceUnavailable, "manta is unable to serve this request")
}

// SharksExhausted is returned when every storage node attempt failed.
func SharksExhausted() *E {
	e := newE("ServiceUnavailable", http.StatusServiceUnavailable, "no storage nodes available for this request")
	e.Headers = map[string]string{"Retry-After": "30"}
	return e
}

// MethodNotAllowed is returned for verbs a route does not support.
func MethodNotAllowed(method, p string) *E {
	return newE("MethodNotAllowed", http.StatusMethodNotAllowed, "%s is not allowed on %s", method, p)
}

// QueryParameterForbidden is returned for reserved query parameters.
func QueryParameterForbidden(name string) *E {
	return newE("QueryParameterForbidden", http.StatusForbidden, "query parameter %q is restricted", name)
}

// UnprocessableEntity is returned for well-formed requests with unusable values.
func UnprocessableEntity(reason string) *E {
	return newE("UnprocessableEntity", http.StatusUnprocessableEntity, "%s", reason)
}

// Server errors.

// Internal is the catch-all for unexpected failures. The cause is logged only.
func Internal(cause error) *E {
	e := newE("InternalError", http.StatusInternalServerError, "an unexpected error occurred")
	e.Cause = cause
	return e
}

// NotImplemented is returned for disabled or unbuilt functionality.
func NotImplemented(what string) *E {
	return newE("NotImplemented", http.StatusNotImplemented, "%s is not implemented", what)
}

// SnaplinksDisabled is returned when the snaplink write path is off.
func SnaplinksDisabled() *E {
	return newE("SnaplinksDisabled", http.StatusForbidden, "snaplinks are not allowed in this datacenter")
}

// SecureTransportRequired is returned for plaintext requests to TLS-only routes.
func SecureTransportRequired() *E {
	return newE("SecureTransportRequired", http.StatusForbidden, "this route requires a secure transport")
}
