// Copyright (C) 2026 Manta Authors.
// See LICENSE for copying information.

package chain

import (
	"errors"

	"github.com/manta-io/muskie/pkg/merr"
	"github.com/manta-io/muskie/pkg/moray"
)

// Translate maps subsystem errors onto the taxonomy. Taxonomy errors pass
// through; unknown errors become InternalError with the cause chained.
func Translate(err error, resource string) *merr.E {
	if e, ok := err.(*merr.E); ok {
		return e
	}

	switch {
	case moray.ErrObjectNotFound.Has(err):
		return merr.ResourceNotFound(resource)
	case moray.ErrEtagConflict.Has(err), moray.ErrUniqueAttribute.Has(err):
		return merr.ConcurrentRequest(resource)
	}

	var peers *moray.NoDatabasePeersError
	if errors.As(err, &peers) {
		if peers.Overloaded() {
			return merr.ServiceUnavailable().WithCause(err)
		}
		// peers lost for any other reason means something deeper is wrong
		return merr.Internal(err)
	}

	return merr.Internal(err)
}
