package model

import "time"

// LockState represents whether a path is owned by a kernel transaction.
type LockState string

const (
	LockStateFree LockState = "free"
	LockStateHeld LockState = "held"
)

// PathLock records which kernel transaction staged a change to a path.
type PathLock struct {
	Path          string    `json:"path"`
	TransactionID string    `json:"transaction_id"`
	AcquiredAt    time.Time `json:"acquired_at"`
	FencingToken  int64     `json:"fencing_token"`
}
