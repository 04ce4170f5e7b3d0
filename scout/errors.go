// Package scout implements the SwiftCloud client-side scout: snapshot
// isolation transactions over a local cache of managed CRDTs, kept causally
// consistent with remote data center surrogates.
package scout

import (
	"errors"

	"github.com/swiftcloud/scout/crdts"
)

var (
	// ErrWrongType - the cached object's type tag disagrees with the
	// caller-requested type.
	ErrWrongType = crdts.ErrWrongType
	// ErrNoSuchObject - the object is absent at the store and create was
	// not requested.
	ErrNoSuchObject = errors.New("no such object")
	// ErrVersionNotFound - the requested version is below the prune clock
	// or not yet replicated after retry exhaustion.
	ErrVersionNotFound = crdts.ErrVersionNotFound
	// ErrNetwork - RPC deadline exceeded or scout shut down mid-call.
	ErrNetwork = errors.New("network")
	// ErrUnsupported - unsupported isolation level or operation.
	ErrUnsupported = errors.New("unsupported")
	// ErrIllegalState - API misuse: handle reused after commit, concurrent
	// open when disabled, and similar.
	ErrIllegalState = crdts.ErrIllegalState
)
