// Package anchor consults policy objects anchored on an external ledger.
// Nothing here executes ledger logic; it reads and creates objects through
// the ledger gateway.
package anchor

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable means the ledger gateway could not be reached.
var ErrUnavailable = errors.New("ledger gateway temporarily unavailable")

// ErrRejected means the gateway refused the request.
var ErrRejected = errors.New("ledger gateway rejected request")

// IsCallerError reports whether the gateway refused the request itself.
func IsCallerError(err error) bool {
	return errors.Is(err, ErrRejected)
}

// State is the externally anchored view of a time-lock policy.
type State struct {
	Ref      string    `json:"ref"`
	DataID   string    `json:"data_id"`
	UnlockAt time.Time `json:"unlock_at"`
	// Released is set when the ledger object has been explicitly released.
	Released bool `json:"released"`
}

// Client is the ledger policy gateway.
type Client interface {
	// CreateTimeLockPolicy anchors a time lock for dataID and returns its reference.
	CreateTimeLockPolicy(ctx context.Context, dataID string, unlockAt time.Time) (string, error)
	// CheckTimeLock returns the anchored state, or nil when no object exists.
	CheckTimeLock(ctx context.Context, dataID, ref string) (*State, error)
	// VerifyCondition reports whether state permits unlocking now.
	VerifyCondition(state *State) bool
	// CheckQuorum reports whether the multi-party approval quorum is met.
	CheckQuorum(ctx context.Context, dataID, ref string) (bool, error)
}

// conditionMet is shared by the client implementations.
func conditionMet(state *State, now time.Time) bool {
	if state == nil {
		return false
	}
	return state.Released || !now.Before(state.UnlockAt)
}
