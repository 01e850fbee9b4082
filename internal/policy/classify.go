package policy

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// InheritanceSettings configure a dead-man switch.
type InheritanceSettings struct {
	FallbackAddresses []string
	InactiveAfterDays int
	AutoTransfer      bool
}

// Request describes the unlock condition requested at upload.
type Request struct {
	CapsuleID string
	// SharedOwners must all approve a multi-party unlock.
	SharedOwners    []string
	QuorumThreshold int
	// QuorumRef references an externally anchored approval object.
	QuorumRef   string
	Inheritance *InheritanceSettings
	UnlockAt    *time.Time
}

// Classify picks the single policy type for r. Priority: shared owners,
// then inheritance targets, then an unlock time, else manual.
func Classify(r Request) Type {
	switch {
	case len(nonEmpty(r.SharedOwners)) > 0:
		return TypeMultiParty
	case r.Inheritance != nil && len(nonEmpty(r.Inheritance.FallbackAddresses)) > 0:
		return TypeInheritance
	case r.UnlockAt != nil && !r.UnlockAt.IsZero():
		return TypeTimeLock
	default:
		return TypeManual
	}
}

// Validate checks that r describes a storable policy without persisting it.
func (r Request) Validate() error {
	t := Classify(r)
	conditions, err := conditionsFor(t, r)
	if err != nil {
		return err
	}
	p := &Policy{CapsuleID: r.CapsuleID, Type: t, Conditions: conditions}
	if p.CapsuleID == "" {
		p.CapsuleID = "pending"
	}
	return p.Validate()
}

// conditionsFor renders the conditions document for t.
func conditionsFor(t Type, r Request) (json.RawMessage, error) {
	var v any
	switch t {
	case TypeManual:
		v = struct{}{}
	case TypeTimeLock:
		v = TimeLockConditions{UnlockAt: r.UnlockAt.UTC()}
	case TypeMultiParty:
		v = MultiPartyConditions{SharedOwners: nonEmpty(r.SharedOwners), Threshold: r.QuorumThreshold}
	case TypeInheritance:
		v = InheritanceConditions{
			FallbackAddresses: nonEmpty(r.Inheritance.FallbackAddresses),
			InactiveAfterDays: r.Inheritance.InactiveAfterDays,
			AutoTransfer:      r.Inheritance.AutoTransfer,
		}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidPolicy, t)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s conditions: %w", t, err)
	}
	return b, nil
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
