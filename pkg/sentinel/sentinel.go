package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores and collaborators return
// these (optionally wrapped) so the executor and services can classify them
// into outcome categories without string matching.
//
// These represent factual states about resources, not validation failures:
// - ErrNotFound: entity or cache entry does not exist
// - ErrExpired: entry's TTL has elapsed
// - ErrIntegrity: a hash/post-condition integrity check failed
// - ErrUnavailable: store or collaborator temporarily unreachable
// - ErrTransient: a retriable infrastructure fault (deadlock, serialization)
// - ErrTimeout: the caller's deadline elapsed mid-operation
var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrExpired     = errors.New("expired")
	ErrIntegrity   = errors.New("integrity check failed")
	ErrUnavailable = errors.New("unavailable")
	ErrTransient   = errors.New("transient failure")
	ErrTimeout     = errors.New("deadline exceeded")
)
