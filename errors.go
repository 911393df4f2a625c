// Package caskstore implements a Bitcask-style append-only key-value engine.
package caskstore

import "errors"

// Sentinel errors returned by the engine. Callers should match with errors.Is;
// wrapped variants carry additional context via fmt.Errorf("...: %w", ...).
var (
	ErrKeyNotFound     = errors.New("caskstore: key not found")
	ErrClosed          = errors.New("caskstore: engine is closed")
	ErrInvalidArgument = errors.New("caskstore: invalid key or value")
	ErrCorrupt         = errors.New("caskstore: checksum mismatch")
	ErrTruncated       = errors.New("caskstore: truncated record")
	ErrIO              = errors.New("caskstore: io failure")
)
