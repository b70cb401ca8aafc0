// pkg/ipopo/errors.go
package ipopo

import "errors"

// Sentinel errors for the §7 error taxonomy. Callers compare with errors.Is.
// A constructor's returned error stays reachable next to ErrFactoryRaised
// through errors.Is/errors.As (errors.Unwrap returns nil for that two-cause
// error); a recovered constructor panic value appears only in the message.
var (
	// ErrInvalidName is raised synchronously when an instance or factory
	// name fails validation (empty, or already structurally invalid).
	ErrInvalidName = errors.New("ipopo: invalid name")

	// ErrInvalidType is raised when register_factory is given something
	// that isn't a sealed factory context carrier.
	ErrInvalidType = errors.New("ipopo: invalid factory type")

	// ErrDuplicateFactory is raised when a factory name is already
	// registered and override was not requested.
	ErrDuplicateFactory = errors.New("ipopo: duplicate factory")

	// ErrDuplicateInstance is raised when an instance name is already
	// present in instances or waiting_handlers.
	ErrDuplicateInstance = errors.New("ipopo: duplicate instance")

	// ErrSingletonActive is raised when instantiate targets a singleton
	// factory that already has a live instance.
	ErrSingletonActive = errors.New("ipopo: singleton already active")

	// ErrUnknownFactory is raised when an operation names a factory that
	// isn't registered.
	ErrUnknownFactory = errors.New("ipopo: unknown factory")

	// ErrUnknownInstance is raised when an operation names an instance it
	// cannot act on: for Kill, one in neither instances nor
	// waiting_handlers; for Invalidate, RetryErroneous, SyncProviders and
	// GetInstanceDetails, one not in instances (a waiting instance
	// included).
	ErrUnknownInstance = errors.New("ipopo: unknown instance")

	// ErrFactoryRaised wraps a panic/error from the user's zero-arg
	// constructor. The singleton flag and registries are left unchanged.
	ErrFactoryRaised = errors.New("ipopo: factory constructor failed")

	// ErrRuntimeStopping is returned by instantiate once the service has
	// been stopped.
	ErrRuntimeStopping = errors.New("ipopo: runtime is stopping")

	// ErrValidationFailed marks a captured VALIDATE callback failure. It
	// never escapes to a caller directly: tryValidate wraps the callback's
	// error with it before formatting the instance's error trace, so the
	// sentinel's text is always present in what introspection surfaces.
	ErrValidationFailed = errors.New("ipopo: validation failed")
)
