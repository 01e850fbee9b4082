// Package provenance keeps the append-only, hash-chained log of actions taken
// on each capsule.
package provenance

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"
)

// Action is what happened to a capsule.
type Action string

// Recorded actions.
const (
	ActionCreated     Action = "created"
	ActionAccessed    Action = "accessed"
	ActionUnlocked    Action = "unlocked"
	ActionPurchased   Action = "purchased"
	ActionTransferred Action = "transferred"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionCreated, ActionAccessed, ActionUnlocked, ActionPurchased, ActionTransferred:
		return true
	}
	return false
}

var (
	// ErrInvalidEntry is returned for entries missing a capsule, actor or known action.
	ErrInvalidEntry = errors.New("invalid provenance entry")
	// ErrChainBroken is returned by VerifyChain when an entry does not link to its predecessor.
	ErrChainBroken = errors.New("provenance chain broken")
)

// Entry is one immutable ledger record.
type Entry struct {
	ID        string
	CapsuleID string
	Actor     string
	Action    Action
	Timestamp time.Time
	Metadata  map[string]string

	// PreviousHash is the Hash of the capsule's preceding entry, empty for the first.
	PreviousHash string
	// Hash covers every field above in canonical JSON form.
	Hash string
}

// Input describes an action to record.
type Input struct {
	CapsuleID string
	Actor     string
	Action    Action
	Metadata  map[string]string
}

func (in Input) validate() error {
	switch {
	case in.CapsuleID == "":
		return fmt.Errorf("%w: capsule id is required", ErrInvalidEntry)
	case in.Actor == "":
		return fmt.Errorf("%w: actor is required", ErrInvalidEntry)
	case !in.Action.Valid():
		return fmt.Errorf("%w: unknown action %q", ErrInvalidEntry, in.Action)
	}
	return nil
}

type canonicalEntry struct {
	ID           string            `json:"id"`
	CapsuleID    string            `json:"capsule_id"`
	Actor        string            `json:"actor"`
	Action       string            `json:"action"`
	Timestamp    string            `json:"timestamp"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	PreviousHash string            `json:"previous_hash"`
}

// ComputeHash returns the hex SHA-256 of e's RFC 8785 canonical form. Hash
// itself is not covered.
func ComputeHash(e *Entry) (string, error) {
	raw, err := json.Marshal(canonicalEntry{
		ID:           e.ID,
		CapsuleID:    e.CapsuleID,
		Actor:        e.Actor,
		Action:       string(e.Action),
		Timestamp:    e.Timestamp.UTC().Format(time.RFC3339Nano),
		Metadata:     e.Metadata,
		PreviousHash: e.PreviousHash,
	})
	if err != nil {
		return "", fmt.Errorf("encode provenance entry: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize provenance entry: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// seal links e after prev and fills in its Hash.
func (e *Entry) seal(prev string) error {
	e.PreviousHash = prev
	h, err := ComputeHash(e)
	if err != nil {
		return err
	}
	e.Hash = h
	return nil
}

// VerifyChain checks that entries, in ledger order for one capsule, each hash
// correctly and link to their predecessor.
func VerifyChain(entries []*Entry) error {
	prev := ""
	for i, e := range entries {
		if e.PreviousHash != prev {
			return fmt.Errorf("%w: entry %d (%s) does not link to its predecessor", ErrChainBroken, i, e.ID)
		}
		h, err := ComputeHash(e)
		if err != nil {
			return err
		}
		if h != e.Hash {
			return fmt.Errorf("%w: entry %d (%s) was modified", ErrChainBroken, i, e.ID)
		}
		prev = e.Hash
	}
	return nil
}

func copyEntry(e *Entry) *Entry {
	c := *e
	if e.Metadata != nil {
		c.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
