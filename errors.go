package storemaster

import "errors"

// Control-plane coordination errors.
var (
	// ErrNodeExists indicates a create-if-absent failed because the node
	// already exists. Losing the election race surfaces as this error.
	ErrNodeExists = errors.New("coordination node already exists")

	// ErrNodeMissing indicates the requested coordination node does not exist.
	ErrNodeMissing = errors.New("coordination node not found")

	// ErrCASFailed indicates a revision-checked update lost to a concurrent
	// writer.
	ErrCASFailed = errors.New("compare-and-swap failed")

	// ErrElectorClosed indicates the elector was closed or shut down before
	// mastership was attained.
	ErrElectorClosed = errors.New("elector closed")

	// ErrNotActiveMaster indicates the operation requires mastership but this
	// process is not the active master.
	ErrNotActiveMaster = errors.New("not the active master")

	// ErrNoActiveMaster indicates no master address has been observed yet.
	ErrNoActiveMaster = errors.New("no active master known")

	// ErrTableNotFound indicates the named table is not present in the catalog.
	ErrTableNotFound = errors.New("table not found")

	// ErrAlreadyStarted indicates the master process is already running.
	ErrAlreadyStarted = errors.New("master already started")

	// ErrNotStarted indicates the master process has not been started yet.
	ErrNotStarted = errors.New("master not started")
)
