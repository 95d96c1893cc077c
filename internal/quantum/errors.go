package quantum

import "errors"

var (
	// ErrRejected marks a request that failed validation; the ledger is
	// untouched and the apex was not consumed.
	ErrRejected = errors.New("request rejected")

	// ErrNotAlpha is returned when a request is submitted to a node that is
	// not the constellation leader.
	ErrNotAlpha = errors.New("node is not the alpha")

	// ErrNotAccepting is returned while the node state machine gates
	// processing off (rising, chasing, failed).
	ErrNotAccepting = errors.New("node is not accepting work")

	// ErrDivergence means a replayed quantum produced a different hash than
	// the leader announced. The node cannot continue.
	ErrDivergence = errors.New("state divergence")
)
