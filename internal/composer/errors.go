package composer

import "errors"

// Domain errors for the composer package.
var (
	// ErrCompositionPending is returned when a polymorphic device could not be
	// probed for its mode. The caller retries later.
	ErrCompositionPending = errors.New("composer: composition pending")

	// ErrUnknownHardware is returned for a hardware type the catalog does not know.
	ErrUnknownHardware = errors.New("composer: unknown hardware type")

	// ErrInvalidCatalog is returned by NewCatalog for duplicate or malformed models.
	ErrInvalidCatalog = errors.New("composer: invalid catalog")
)
