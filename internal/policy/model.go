// Package policy classifies, persists and evaluates the unlock condition of
// each capsule.
package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Type is the kind of unlock condition attached to a capsule.
type Type string

// Policy types.
const (
	TypeManual      Type = "manual"
	TypeTimeLock    Type = "time_lock"
	TypeMultiParty  Type = "multi_party"
	TypeInheritance Type = "inheritance"
)

// Valid reports whether t is a known policy type.
func (t Type) Valid() bool {
	switch t {
	case TypeManual, TypeTimeLock, TypeMultiParty, TypeInheritance:
		return true
	}
	return false
}

var (
	// ErrPolicyNotFound is returned when a capsule has no policy.
	ErrPolicyNotFound = errors.New("policy not found")
	// ErrInheritanceNotFound is returned when a capsule has no inheritance record.
	ErrInheritanceNotFound = errors.New("inheritance record not found")
	// ErrInvalidPolicy is returned when a policy fails validation.
	ErrInvalidPolicy = errors.New("invalid policy")
	// ErrClaimNotFound is returned when a recipient has not claimed a capsule.
	ErrClaimNotFound = errors.New("inheritance claim not found")
	// ErrWrongType is returned when conditions are decoded as the wrong type.
	ErrWrongType = errors.New("policy type does not match requested conditions")
)

// Policy is the persisted unlock condition of one capsule.
type Policy struct {
	CapsuleID string
	Type      Type
	// ExternalRef points at an externally anchored policy object, if any.
	ExternalRef string
	// Conditions holds the type-specific JSON document.
	Conditions json.RawMessage
	UpdatedAt  time.Time
}

// Validate checks the policy type and its conditions document.
func (p *Policy) Validate() error {
	if p.CapsuleID == "" {
		return fmt.Errorf("%w: capsule id is required", ErrInvalidPolicy)
	}
	if !p.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidPolicy, p.Type)
	}
	return validateConditions(p.Type, p.Conditions)
}

// TimeLockConditions are the conditions of a TypeTimeLock policy.
type TimeLockConditions struct {
	UnlockAt time.Time `json:"unlock_at"`
}

// MultiPartyConditions are the conditions of a TypeMultiParty policy.
type MultiPartyConditions struct {
	SharedOwners []string `json:"shared_owners"`
	Threshold    int      `json:"threshold,omitempty"`
}

// InheritanceConditions are the conditions of a TypeInheritance policy.
type InheritanceConditions struct {
	FallbackAddresses []string `json:"fallback_addresses"`
	InactiveAfterDays int      `json:"inactive_after_days"`
	AutoTransfer      bool     `json:"auto_transfer"`
}

// TimeLock decodes the conditions of a time-lock policy.
func (p *Policy) TimeLock() (*TimeLockConditions, error) {
	var c TimeLockConditions
	if err := p.decode(TypeTimeLock, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// MultiParty decodes the conditions of a multi-party policy.
func (p *Policy) MultiParty() (*MultiPartyConditions, error) {
	var c MultiPartyConditions
	if err := p.decode(TypeMultiParty, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (p *Policy) decode(want Type, v any) error {
	if p.Type != want {
		return fmt.Errorf("%w: have %s, want %s", ErrWrongType, p.Type, want)
	}
	if err := json.Unmarshal(p.Conditions, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	return nil
}

// InheritanceRecord is the dead-man-switch state of a capsule.
type InheritanceRecord struct {
	CapsuleID         string
	FallbackAddresses []string
	InactiveAfterDays int
	LastPing          time.Time
	AutoTransfer      bool
	UpdatedAt         time.Time
}

// Validate checks the record's fields.
func (r *InheritanceRecord) Validate() error {
	switch {
	case r.CapsuleID == "":
		return fmt.Errorf("%w: capsule id is required", ErrInvalidPolicy)
	case len(r.FallbackAddresses) == 0:
		return fmt.Errorf("%w: at least one fallback address is required", ErrInvalidPolicy)
	case r.InactiveAfterDays < 1 || r.InactiveAfterDays > MaxInactiveDays:
		return fmt.Errorf("%w: inactive_after_days must be between 1 and %d", ErrInvalidPolicy, MaxInactiveDays)
	case r.LastPing.IsZero():
		return fmt.Errorf("%w: last ping is required", ErrInvalidPolicy)
	}
	for _, a := range r.FallbackAddresses {
		if strings.TrimSpace(a) == "" {
			return fmt.Errorf("%w: fallback address is empty", ErrInvalidPolicy)
		}
	}
	return nil
}

// Threshold is the inactivity period after which fallbacks become eligible.
func (r *InheritanceRecord) Threshold() time.Duration {
	return time.Duration(r.InactiveAfterDays) * 24 * time.Hour
}

// Inactive reports whether the owner has been silent longer than the threshold.
func (r *InheritanceRecord) Inactive(now time.Time) bool {
	return now.Sub(r.LastPing) > r.Threshold()
}

// Lists reports whether address is a fallback address, ignoring case.
func (r *InheritanceRecord) Lists(address string) bool {
	address = NormalizeAddress(address)
	if address == "" {
		return false
	}
	for _, a := range r.FallbackAddresses {
		if NormalizeAddress(a) == address {
			return true
		}
	}
	return false
}

// NormalizeAddress is the form fallback addresses are compared and claims
// are keyed in.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// MaxInactiveDays bounds the inactivity threshold.
const MaxInactiveDays = 3650

// TimeLockStatus is the outcome of a time-lock check. A locked capsule is an
// expected result, not an error.
type TimeLockStatus struct {
	Unlockable bool
	UnlockAt   time.Time
	Remaining  time.Duration
	// Anchored reports whether an external policy object took part in the decision.
	Anchored bool
}

// Eligibility is the outcome of an inheritance eligibility check.
type Eligibility struct {
	Eligible bool
	// Listed reports whether the requester is a fallback address.
	Listed bool
	// EligibleAt is when inactivity alone makes fallbacks eligible.
	EligibleAt time.Time
	LastPing   time.Time
}

// Liveness summarizes how recently a capsule owner was seen.
type Liveness struct {
	Alive      bool
	LastSeen   time.Time
	Confidence float64
}
