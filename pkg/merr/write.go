// Copyright (C) 2026 Manta Authors.
// See LICENSE for copying information.

package merr

import (
	"encoding/json"
	"net/http"
)

// wireError is the JSON body sent to clients. Causes and stacks never appear.
type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// From coerces any error into a taxonomy error. Unknown errors become
// InternalError with the original chained as the cause.
func From(err error) *E {
	if e, ok := err.(*E); ok {
		return e
	}
	return Internal(err)
}

// WriteError writes err to w as the standard JSON error body.
func WriteError(w http.ResponseWriter, err error) {
	e := From(err)
	w.Header().Set("Content-Type", "application/json")
	for name, value := range e.Headers {
		w.Header().Set(name, value)
	}
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(wireError{Code: e.Code, Message: e.Message})
}
