package wal

import "errors"

var (
	// ErrClosed is returned by any operation attempted after Close.
	ErrClosed = errors.New("wal: log is closed")

	// ErrCorruptFrame is never returned by Replay (a torn tail is silently
	// truncated); it surfaces only from helpers that must not tolerate it.
	ErrCorruptFrame = errors.New("wal: corrupt frame")
)
