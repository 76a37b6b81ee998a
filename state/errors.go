package state

import "errors"

var (
	// ErrPeerUnreachable is returned when no live link to the peer exists.
	// Retryable by re-attempting traversal.
	ErrPeerUnreachable = errors.New("peer unreachable")
	// ErrDuplicateLinkConflict is returned when an existing link to the peer
	// wins the replacement tie-break.
	ErrDuplicateLinkConflict = errors.New("duplicate link conflict")
	// ErrNoRoute is returned when the destination is absent from the route table.
	ErrNoRoute = errors.New("no route to destination")
	// ErrAuthenticationFailure is returned when a frame fails its tag check.
	// The frame is dropped; the link stays up.
	ErrAuthenticationFailure = errors.New("frame authentication failure")
	// ErrReassemblyTimeout is returned when fragments are discarded before a
	// full frame could be reassembled.
	ErrReassemblyTimeout = errors.New("reassembly timed out")
	// ErrTraversalExhausted is returned when all traversal and relay attempts
	// for a peer have failed. The peer is retried later with backoff.
	ErrTraversalExhausted = errors.New("nat traversal attempts exhausted")
)
