package fieldmap

import "errors"

// Domain errors for field mapping.
var (
	// ErrBadStep is returned for an unknown formatting step or one that cannot
	// be applied to the value it receives.
	ErrBadStep = errors.New("fieldmap: bad format step")
)
