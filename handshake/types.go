// Package handshake implements the tokenized quiesce protocol of
// spec.md §4.4: the worker process posts a WillCloseRequest carrying a
// fresh token, the foreground process releases its readers and records an
// Acknowledgment covering that token, and a best-effort Doorbell nudges
// each side to check the store sooner rather than waiting out a full poll
// interval.
package handshake

import (
	"time"

	"github.com/joshlacal/mlscore/userid"
)

// Request is a pending quiesce request from the worker process
// (spec.md's WillCloseRequest).
type Request struct {
	User      userid.ID
	Token     uint64
	CreatedAt time.Time
}

// Ack is the latest token the foreground process has acknowledged
// (spec.md's Acknowledgment). A higher ack implicitly covers all lower
// tokens.
type Ack struct {
	User           userid.ID
	Token          uint64
	AcknowledgedAt time.Time
}
