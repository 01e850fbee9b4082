package evidence

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/capsulevault/internal/apperr"
	"github.com/onnwee/capsulevault/internal/blobstore"
	"github.com/onnwee/capsulevault/internal/compress"
	"github.com/onnwee/capsulevault/internal/container"
	"github.com/onnwee/capsulevault/internal/image"
	"github.com/onnwee/capsulevault/internal/integrity"
	"github.com/onnwee/capsulevault/internal/jobs"
	"github.com/onnwee/capsulevault/internal/resilience"
	"github.com/onnwee/capsulevault/internal/sealer"
	"github.com/onnwee/capsulevault/internal/tracing"
)

// MaxUploadSize bounds a single upload.
const MaxUploadSize = 256 << 20

// Config configures a Pipeline.
type Config struct {
	Sealer     sealer.Client
	Blobs      blobstore.Store
	Repository Repository

	// Compressor is applied before encryption. Defaults to compress.Noop.
	Compressor compress.Compressor
	// Images checks decrypted images. Defaults to image.DefaultConfig.
	Images *image.Processor
	// Queue runs stored-blob verification. When nil the pipeline starts its
	// own queue and stops it on Close.
	Queue *jobs.Queue
	// SealerGuard wraps encryption service calls. Defaults to a guard named "sealer".
	SealerGuard *resilience.Guard

	Metrics *Metrics // optional
	Logger  *slog.Logger
	Now     func() time.Time
}

// Pipeline runs the upload and decrypt paths.
type Pipeline struct {
	sealer     sealer.Client
	blobs      blobstore.Store
	repo       Repository
	compressor compress.Compressor
	images     *image.Processor
	queue      *jobs.Queue
	ownsQueue  bool
	guard      *resilience.Guard
	metrics    *Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// NewPipeline creates a pipeline.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Sealer == nil {
		return nil, errors.New("encryption service client is required")
	}
	if cfg.Blobs == nil {
		return nil, errors.New("blob store is required")
	}
	if cfg.Repository == nil {
		return nil, errors.New("evidence repository is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		sealer:     cfg.Sealer,
		blobs:      cfg.Blobs,
		repo:       cfg.Repository,
		compressor: cfg.Compressor,
		images:     cfg.Images,
		queue:      cfg.Queue,
		guard:      cfg.SealerGuard,
		metrics:    cfg.Metrics,
		logger:     logger,
		now:        cfg.Now,
	}
	if p.compressor == nil {
		p.compressor = compress.Noop{}
	}
	if p.images == nil {
		imgCfg := image.DefaultConfig()
		imgCfg.Logger = logger
		p.images = image.NewProcessor(imgCfg)
	}
	if p.queue == nil {
		p.queue = jobs.NewQueue(jobs.QueueConfig{Logger: logger})
		p.ownsQueue = true
	}
	if p.guard == nil {
		p.guard = resilience.NewGuard(resilience.GuardConfig{
			Breaker:     resilience.DefaultBreakerConfig("sealer"),
			Retry:       resilience.DefaultRetryConfig(),
			CallerError: sealer.IsCallerError,
			Logger:      logger,
		})
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

// Close stops the verification queue if the pipeline started it.
func (p *Pipeline) Close(ctx context.Context) error {
	if !p.ownsQueue {
		return nil
	}
	return p.queue.Close(ctx)
}

// Upload seals in and stores it, returning the new capsule's identifiers.
func (p *Pipeline) Upload(ctx context.Context, in UploadInput) (res *UploadResult, err error) {
	const op = "evidence.Upload"
	ctx, end := tracing.StartStageSpan(ctx, "upload", tracing.AttrSizeBytes.Int(len(in.Data)))
	defer func() {
		p.metrics.observe(OpUpload, err)
		end(err)
	}()

	if err := validateUpload(in); err != nil {
		return nil, apperr.E(apperr.Validation, op, err.Error(), err)
	}
	p.metrics.size(OpUpload, len(in.Data))

	trail := integrity.NewTrail()
	originalHash := trail.Mark(integrity.CheckpointOriginal, in.Data)

	payload, algorithm := p.compress(ctx, in.Data)
	trail.Mark(integrity.CheckpointCompressed, payload)
	preEncryptHash := trail.Mark(integrity.CheckpointPreEncrypt, payload)

	sealed, err := p.encrypt(ctx, payload, in.OwnerID)
	if err != nil {
		return nil, classify(op, err)
	}
	// The pre-encryption buffer must not have changed while the service held it.
	if !integrity.Equal(integrity.Hash(payload), preEncryptHash) {
		return nil, p.corrupted(ctx, op, integrity.CheckpointPreEncrypt, trail)
	}

	meta := &EncryptionMetadata{
		ID:         sealed.Metadata.ID,
		PackageRef: sealed.Metadata.PackageRef,
		Identity:   sealed.Metadata.Identity,
		Threshold:  sealed.Metadata.Threshold,
	}
	if err := p.repo.SaveMetadata(ctx, meta); err != nil {
		p.logger.ErrorContext(ctx, "encryption metadata not persisted, aborting upload",
			slog.String("metadata_id", meta.ID),
			slog.String("error", err.Error()))
		return nil, classify(op, fmt.Errorf("persist encryption metadata: %w", err))
	}

	ciphertextHash := trail.Mark(integrity.CheckpointCiphertext, sealed.Ciphertext)

	encoded, err := p.transportEncode(ctx, sealed.Ciphertext, ciphertextHash, trail)
	if err != nil {
		return nil, p.corrupted(ctx, op, integrity.CheckpointTransport, trail)
	}

	capsule := &Capsule{
		ID:             uuid.NewString(),
		OwnerID:        in.OwnerID,
		MetadataID:     meta.ID,
		CiphertextHash: ciphertextHash,
		OriginalHash:   originalHash,
		OriginalSize:   int64(len(in.Data)),
		Compression:    algorithm,
		ContentType:    in.ContentType,
		Filename:       in.Filename,
		Description:    in.Description,
	}

	blobID, err := p.store(ctx, encoded, capsule.envelope())
	if err != nil {
		return nil, classify(op, err)
	}
	capsule.BlobID = blobID
	p.scheduleVerification(ctx, capsule)

	oc, err := p.repo.EnsureContainer(ctx, in.OwnerID)
	if err != nil {
		return nil, classify(op, fmt.Errorf("ensure owner container: %w", err))
	}
	capsule.ContainerID = oc.ID
	capsule.CreatedAt = p.now().UTC()

	if err := p.repo.CreateCapsule(ctx, capsule); err != nil {
		return nil, classify(op, fmt.Errorf("create capsule: %w", err))
	}

	p.logger.InfoContext(ctx, "evidence uploaded",
		slog.String("capsule_id", capsule.ID),
		slog.String("blob_id", blobID),
		slog.String("compression", algorithm),
		slog.Int64("size", capsule.OriginalSize))

	return &UploadResult{
		CapsuleID:   capsule.ID,
		ContainerID: oc.ID,
		BlobID:      blobID,
		MetadataID:  meta.ID,
		CreatedAt:   capsule.CreatedAt,
	}, nil
}

func validateUpload(in UploadInput) error {
	switch {
	case strings.TrimSpace(in.OwnerID) == "":
		return errors.New("owner identity is required")
	case len(in.Data) == 0:
		return errors.New("content is empty")
	case len(in.Data) > MaxUploadSize:
		return fmt.Errorf("content exceeds %d bytes", MaxUploadSize)
	case strings.TrimSpace(in.ContentType) == "":
		return errors.New("content type is required")
	}
	return nil
}

// compress applies the configured compressor. Failure is recovered by sending
// the original bytes.
func (p *Pipeline) compress(ctx context.Context, data []byte) ([]byte, string) {
	ctx, end := tracing.StartStageSpan(ctx, "compress")
	defer end(nil)

	if _, ok := p.compressor.(compress.Noop); ok {
		return data, compress.AlgorithmNone
	}
	out, err := p.compressor.Compress(data)
	if err != nil {
		p.metrics.fallback(FallbackCompress)
		p.logger.WarnContext(ctx, "compression failed, storing uncompressed",
			slog.String("algorithm", p.compressor.Name()),
			slog.String("error", err.Error()))
		return data, compress.AlgorithmNone
	}
	if len(out) >= len(data) {
		return data, compress.AlgorithmNone
	}
	return out, p.compressor.Name()
}

func (p *Pipeline) encrypt(ctx context.Context, payload []byte, identity string) (s *sealer.Sealed, err error) {
	ctx, end := tracing.StartStageSpan(ctx, "encrypt", tracing.AttrSizeBytes.Int(len(payload)))
	defer func() { end(err) }()

	s, err = resilience.Do(ctx, p.guard, func(ctx context.Context) (*sealer.Sealed, error) {
		return p.sealer.Encrypt(ctx, payload, identity)
	})
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	if len(s.Ciphertext) == 0 || s.Metadata.ID == "" {
		return nil, fmt.Errorf("encrypt: %w: empty ciphertext or metadata", sealer.ErrRejected)
	}
	return s, nil
}

// transportEncode base64-encodes ciphertext and proves the encoding decodes
// back to the same bytes.
func (p *Pipeline) transportEncode(ctx context.Context, ciphertext []byte, ciphertextHash string, trail *integrity.Trail) ([]byte, error) {
	_, end := tracing.StartStageSpan(ctx, "transport_encode")
	encoded := []byte(base64.StdEncoding.EncodeToString(ciphertext))
	decoded, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		end(err)
		return nil, err
	}
	roundTrip := trail.Mark(integrity.CheckpointTransport, decoded)
	if !integrity.Equal(roundTrip, ciphertextHash) {
		end(ErrCorrupted)
		return nil, ErrCorrupted
	}
	end(nil)
	return encoded, nil
}

func (p *Pipeline) store(ctx context.Context, encoded []byte, env blobstore.Envelope) (blobID string, err error) {
	ctx, end := tracing.StartStageSpan(ctx, "store", tracing.AttrSizeBytes.Int(len(encoded)))
	defer func() { end(err) }()
	return p.blobs.Store(ctx, encoded, env)
}

// scheduleVerification re-reads the stored blob in the background. Its
// outcome is logged by the queue and never reaches the caller.
func (p *Pipeline) scheduleVerification(ctx context.Context, c *Capsule) {
	blobID, hash := c.BlobID, c.CiphertextHash
	err := p.queue.Enqueue(jobs.Task{
		Type: jobs.JobTypeBlobVerify,
		Attrs: []slog.Attr{
			slog.String("capsule_id", c.ID),
			slog.String("blob_id", blobID),
		},
		Run: func(ctx context.Context) error {
			return p.blobs.VerifyIntegrity(ctx, blobID, hash)
		},
	})
	if err != nil {
		p.logger.WarnContext(ctx, "stored blob verification not scheduled",
			slog.String("capsule_id", c.ID),
			slog.String("error", err.Error()))
	}
}

// Lookup returns a capsule without owner scoping.
func (p *Pipeline) Lookup(ctx context.Context, capsuleID string) (*Capsule, error) {
	c, err := p.repo.GetCapsule(ctx, capsuleID)
	if err != nil {
		return nil, classify("evidence.Lookup", err)
	}
	return c, nil
}

// Get returns an owner's capsule with its retrieved ciphertext.
func (p *Pipeline) Get(ctx context.Context, capsuleID, ownerID string) (*Record, error) {
	const op = "evidence.Get"
	c, err := p.repo.GetCapsuleForOwner(ctx, capsuleID, ownerID)
	if err != nil {
		return nil, classify(op, err)
	}
	return p.Retrieve(ctx, c)
}

// Retrieve fetches and transport-decodes c's ciphertext, cross-checking the
// blob's envelope against the capsule.
func (p *Pipeline) Retrieve(ctx context.Context, c *Capsule) (rec *Record, err error) {
	const op = "evidence.Retrieve"
	ctx, end := tracing.StartStageSpan(ctx, "retrieve",
		tracing.AttrCapsuleID.String(c.ID),
		tracing.AttrBlobID.String(c.BlobID))
	defer func() {
		p.metrics.observe(OpGet, err)
		end(err)
	}()

	obj, err := p.blobs.RetrieveWithRetry(ctx, c.BlobID, blobstore.Hints{
		MetadataID:     c.MetadataID,
		CiphertextHash: c.CiphertextHash,
	})
	if err != nil {
		if errors.Is(err, blobstore.ErrContentMismatch) || errors.Is(err, blobstore.ErrHintMismatch) {
			p.metrics.integrityFailure(integrity.CheckpointRetrieved)
			p.logger.ErrorContext(ctx, "stored blob failed integrity check",
				slog.String("capsule_id", c.ID),
				slog.String("blob_id", c.BlobID),
				slog.String("error", err.Error()))
		}
		return nil, classify(op, err)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(string(obj.Data))
	if err != nil {
		p.metrics.integrityFailure(integrity.CheckpointRetrieved)
		return nil, classify(op, fmt.Errorf("%w: transport decode: %v", ErrCorrupted, err))
	}
	return &Record{Capsule: c, Ciphertext: ciphertext, Envelope: obj.Envelope}, nil
}

// Decrypt opens a retrieved record. Callers must have authorized the unlock.
func (p *Pipeline) Decrypt(ctx context.Context, rec *Record) (out *Decrypted, err error) {
	const op = "evidence.Decrypt"
	c := rec.Capsule
	ctx, end := tracing.StartStageSpan(ctx, "decrypt", tracing.AttrCapsuleID.String(c.ID))
	defer func() {
		p.metrics.observe(OpDecrypt, err)
		end(err)
	}()

	trail := integrity.NewTrail()
	retrievedHash := trail.Mark(integrity.CheckpointRetrieved, rec.Ciphertext)
	if !integrity.Equal(retrievedHash, c.CiphertextHash) {
		return nil, p.corrupted(ctx, op, integrity.CheckpointRetrieved, trail,
			slog.String("capsule_id", c.ID),
			slog.String("expected_sha256", c.CiphertextHash))
	}

	plaintext, err := resilience.Do(ctx, p.guard, func(ctx context.Context) ([]byte, error) {
		return p.sealer.Decrypt(ctx, rec.Ciphertext, c.MetadataID)
	})
	if err != nil {
		return nil, classify(op, fmt.Errorf("decrypt: %w", err))
	}
	trail.Mark(integrity.CheckpointDecrypted, plaintext)

	content := p.decompress(ctx, plaintext, c.Compression)
	trail.Mark(integrity.CheckpointDecompressed, content)

	if integrity.SuspiciousSize(int64(len(content)), c.OriginalSize) {
		p.logger.WarnContext(ctx, "decrypted size differs from recorded original size",
			slog.String("capsule_id", c.ID),
			slog.Int("size", len(content)),
			slog.Int64("expected", c.OriginalSize),
			slog.Float64("ratio", integrity.SizeRatio(int64(len(content)), c.OriginalSize)))
	}

	out = p.unbundle(ctx, content, c)
	if image.IsImageType(out.Primary.MIMEType) {
		checked := p.images.Check(out.Primary.Data, out.Primary.MIMEType)
		if !image.MatchesSignature(out.Primary.MIMEType, checked) {
			p.metrics.fallback(FallbackImageRepair)
		}
		out.Primary.Data = checked
	}
	return out, nil
}

// decompress reverses the recorded compression. Failure means the content was
// never compressed and is used as-is.
func (p *Pipeline) decompress(ctx context.Context, data []byte, algorithm string) []byte {
	if algorithm == "" || algorithm == compress.AlgorithmNone {
		return data
	}
	ctx, end := tracing.StartStageSpan(ctx, "decompress", attribute.String("compression", algorithm))
	defer end(nil)

	c := p.compressor
	if c.Name() != algorithm {
		var err error
		if c, err = compress.New(algorithm); err != nil {
			p.metrics.fallback(FallbackDecompress)
			p.logger.WarnContext(ctx, "no decompressor for recorded algorithm, using content as-is",
				slog.String("algorithm", algorithm))
			return data
		}
		if closer, ok := c.(interface{ Close() error }); ok {
			defer closer.Close()
		}
	}
	out, err := c.Decompress(data)
	if err != nil {
		p.metrics.fallback(FallbackDecompress)
		p.logger.WarnContext(ctx, "decompression failed, assuming uncompressed content",
			slog.String("algorithm", algorithm),
			slog.String("error", err.Error()))
		return data
	}
	return out
}

// unbundle parses a payload container. Anything that is not a valid container
// becomes a single primary stream of the capsule's recorded type.
func (p *Pipeline) unbundle(ctx context.Context, content []byte, c *Capsule) *Decrypted {
	whole := &Decrypted{Payload: container.Payload{
		Primary: container.Stream{Data: content, MIMEType: c.ContentType, Filename: c.Filename},
	}}
	payload, err := container.Split(content)
	if errors.Is(err, container.ErrNotContainer) {
		return whole
	}
	if err != nil {
		p.metrics.fallback(FallbackContainer)
		p.logger.WarnContext(ctx, "payload container could not be parsed, treating content as one stream",
			slog.String("capsule_id", c.ID),
			slog.String("error", err.Error()))
		return whole
	}
	return &Decrypted{Payload: *payload, Bundled: true}
}

// corrupted logs the full checkpoint trail and returns an integrity error.
func (p *Pipeline) corrupted(ctx context.Context, op, checkpoint string, trail *integrity.Trail, attrs ...any) error {
	p.metrics.integrityFailure(checkpoint)
	args := append([]any{
		slog.String("checkpoint", checkpoint),
		slog.Any("trail", trail),
	}, attrs...)
	p.logger.ErrorContext(ctx, "integrity checkpoint mismatch", args...)
	tracing.AddEvent(ctx, "integrity.mismatch", tracing.AttrCheckpoint.String(checkpoint))
	return apperr.E(apperr.Integrity, op, "content failed an integrity check", fmt.Errorf("%w at %s", ErrCorrupted, checkpoint))
}
