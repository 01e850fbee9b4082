package vault

import (
	"time"

	"github.com/onnwee/capsulevault/internal/container"
	"github.com/onnwee/capsulevault/internal/policy"
)

// UploadRequest is everything needed to seal a new capsule.
type UploadRequest struct {
	OwnerID     string
	Content     []byte
	ContentType string
	Filename    string
	Description string

	// Message and Secondary are bundled with Content in a payload container.
	Message   string
	Secondary *container.Stream
	Metadata  map[string]string

	// Unlock condition. See policy.Classify for precedence.
	SharedOwners    []string
	QuorumThreshold int
	QuorumRef       string
	Inheritance     *policy.InheritanceSettings
	UnlockAt        *time.Time
}

func (r UploadRequest) bundled() bool {
	return r.Message != "" || r.Secondary != nil || len(r.Metadata) > 0
}

func (r UploadRequest) policyRequest(capsuleID string) policy.Request {
	return policy.Request{
		CapsuleID:       capsuleID,
		SharedOwners:    r.SharedOwners,
		QuorumThreshold: r.QuorumThreshold,
		QuorumRef:       r.QuorumRef,
		Inheritance:     r.Inheritance,
		UnlockAt:        r.UnlockAt,
	}
}

// UploadResult identifies a sealed capsule and its policy.
type UploadResult struct {
	CapsuleID   string
	ContainerID string
	BlobID      string
	MetadataID  string
	PolicyType  policy.Type
	CreatedAt   time.Time
}

// DecryptedContent is an unlocked capsule.
type DecryptedContent struct {
	Content     []byte
	ContentType string
	Filename    string
	Message     string
	Secondary   *container.Stream
	Metadata    map[string]string
}

// UnlockCode is a freshly issued phrase. It is shown once.
type UnlockCode struct {
	Phrase    string
	ExpiresAt time.Time
}
