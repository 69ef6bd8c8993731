package interfaces

import (
	"bytes"
	"encoding/hex"
	"strings"
	"time"
)

// Measurement is an enclave identity measurement as reported by the
// attestation provider (for TDX, the MRTD register value).
type Measurement []byte

// String returns the hex representation.
func (m Measurement) String() string {
	return hex.EncodeToString(m)
}

// Equal compares two measurements byte for byte.
func (m Measurement) Equal(other Measurement) bool {
	return bytes.Equal(m, other)
}

// Role names a caller role evaluated by the policy engine.
type Role string

// Permission is an operation a role may hold on a key namespace.
type Permission int

const (
	PermStore Permission = iota
	PermRetrieve
	PermDelete
	PermList
	PermReadMetadata
)

// String returns the permission name used in audit records.
func (p Permission) String() string {
	switch p {
	case PermStore:
		return "store"
	case PermRetrieve:
		return "retrieve"
	case PermDelete:
		return "delete"
	case PermList:
		return "list"
	case PermReadMetadata:
		return "read-metadata"
	default:
		return "unknown"
	}
}

// DataClassification orders data sensitivity levels. Higher values are more
// sensitive; an access policy's classification requirement is a floor.
type DataClassification int

const (
	ClassPublic DataClassification = iota
	ClassInternal
	ClassConfidential
	ClassRestricted
)

// String returns the classification name.
func (c DataClassification) String() string {
	switch c {
	case ClassPublic:
		return "public"
	case ClassInternal:
		return "internal"
	case ClassConfidential:
		return "confidential"
	case ClassRestricted:
		return "restricted"
	default:
		return "unknown"
	}
}

// KeyNamespace extracts the namespace component of a logical key. Keys are
// namespaced by convention as "namespace:rest"; a key without a separator is
// its own namespace.
func KeyNamespace(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}

// AccessContext carries the ephemeral caller identity for a single call.
// It is never persisted.
type AccessContext struct {
	CallerID    string    `json:"caller_id"`
	Role        Role      `json:"role"`
	SourceIP    string    `json:"source_ip,omitempty"`
	RequestTime time.Time `json:"request_time"`
}

// EncryptionAlgorithm is a closed set of supported cipher choices, resolved
// by a single dispatch function rather than open-ended dynamic dispatch.
type EncryptionAlgorithm string

const (
	AlgAESGCM           EncryptionAlgorithm = "aes-256-gcm"
	AlgChaCha20Poly1305 EncryptionAlgorithm = "chacha20-poly1305"
	AlgFormatPreserving EncryptionAlgorithm = "format-preserving"
)

// CompressionAlgorithm is the closed set of compression strategies.
type CompressionAlgorithm string

const (
	CompressionNone CompressionAlgorithm = "none"
	CompressionGzip CompressionAlgorithm = "gzip"
	CompressionZstd CompressionAlgorithm = "zstd"
	CompressionLzma CompressionAlgorithm = "lzma"
)

// PerformanceTier hints at the expected access pattern of a stored item.
type PerformanceTier string

const (
	TierStandard PerformanceTier = "standard"
	TierHot      PerformanceTier = "hot"
	TierArchive  PerformanceTier = "archive"
)

// EncryptionPolicy governs the layering applied by the encryption manager.
type EncryptionPolicy struct {
	// Primary is the algorithm of the innermost AEAD layer. Empty selects
	// AES-256-GCM.
	Primary EncryptionAlgorithm `json:"primary,omitempty"`

	// MultiLayer adds a second AEAD layer using a different algorithm and a
	// different key, for algorithm diversity against single-primitive
	// compromise.
	MultiLayer bool `json:"multi_layer"`

	// Secondary is the algorithm of the outer layer when MultiLayer is set.
	// Empty selects ChaCha20-Poly1305 when Primary is AES-GCM and vice versa.
	Secondary EncryptionAlgorithm `json:"secondary,omitempty"`

	// FormatPreserving appends a text-safe transform layer for downstream
	// consumers that cannot carry raw binary.
	FormatPreserving bool `json:"format_preserving"`
}

// SealingPolicy governs hardware binding of the sealed blob.
type SealingPolicy struct {
	// AttestationBinding mixes the current enclave measurement into the
	// sealing key derivation. Data sealed this way is unrecoverable after a
	// measurement change unless re-sealed first; this is intentional
	// fail-closed behavior.
	AttestationBinding bool `json:"attestation_binding"`

	// KDF names an optional policy-specific key derivation function from the
	// registry, applied on top of the base enclave sealing key.
	KDF string `json:"kdf,omitempty"`

	// UnsealRoles restricts which caller roles may unseal. Empty permits any
	// role that passed the policy engine.
	UnsealRoles []Role `json:"unseal_roles,omitempty"`
}

// CompressionPolicy governs whether and how a payload may be compressed.
type CompressionPolicy struct {
	Allowed    bool                   `json:"allowed"`
	Algorithms []CompressionAlgorithm `json:"algorithms,omitempty"`

	// MinRatio is the estimated compression ratio below which compression is
	// skipped. Zero selects the engine default (1.2).
	MinRatio float64 `json:"min_ratio,omitempty"`

	// CPUBudget bounds the time the optimizer may spend compressing. Zero
	// selects the engine default (2ms).
	CPUBudget time.Duration `json:"cpu_budget,omitempty"`
}

// CachePolicy governs hot-entry caching of the sealed form.
type CachePolicy struct {
	// WarmOnWrite inserts the sealed entry into the cache after a store.
	WarmOnWrite bool `json:"warm_on_write"`

	// CacheOnRead inserts the sealed entry into the cache after a retrieval.
	CacheOnRead bool `json:"cache_on_read"`
}

// StoragePolicy governs a write. It is supplied fresh on every call and is
// immutable once attached to a stored item's metadata.
type StoragePolicy struct {
	Encryption     EncryptionPolicy   `json:"encryption"`
	Sealing        SealingPolicy      `json:"sealing"`
	Compression    CompressionPolicy  `json:"compression"`
	Cache          CachePolicy        `json:"cache"`
	Tier           PerformanceTier    `json:"tier,omitempty"`
	Classification DataClassification `json:"classification"`
}

// TimeWindow restricts access to a daily interval in UTC.
type TimeWindow struct {
	NotBefore time.Time `json:"not_before,omitempty"`
	NotAfter  time.Time `json:"not_after,omitempty"`
}

// Contains reports whether t falls inside the window. Zero bounds are open.
func (w TimeWindow) Contains(t time.Time) bool {
	if !w.NotBefore.IsZero() && t.Before(w.NotBefore) {
		return false
	}
	if !w.NotAfter.IsZero() && t.After(w.NotAfter) {
		return false
	}
	return true
}

// AccessPolicy governs a read. It is evaluated per call and never persisted
// as the item's controlling policy; policies may change between write and
// read.
type AccessPolicy struct {
	TimeWindow        *TimeWindow        `json:"time_window,omitempty"`
	AllowedSourceIPs  []string           `json:"allowed_source_ips,omitempty"`
	RateLimited       bool               `json:"rate_limited"`
	MaxClassification DataClassification `json:"max_classification"`
	Cache             CachePolicy        `json:"cache"`
}

// EncryptionLayer records one applied cipher layer: which algorithm, which
// key (by id, never by value), and the per-layer nonce. Layers are listed in
// order of application and must be reversed in list-reverse order at decrypt
// time; this ordering is an invariant, not a convention.
type EncryptionLayer struct {
	Algorithm EncryptionAlgorithm `json:"algorithm"`
	KeyID     string              `json:"key_id,omitempty"`
	Nonce     []byte              `json:"nonce,omitempty"`
}

// EncryptedData is the output of the encryption manager: the final
// ciphertext plus the ordered layer records needed to reverse it.
type EncryptedData struct {
	Ciphertext  []byte            `json:"ciphertext"`
	Layers      []EncryptionLayer `json:"layers"`
	EncryptedAt time.Time         `json:"encrypted_at"`
}

// Envelope is the unit handed to the sealing manager: ciphertext, layer
// records, and the compression decision, so the read path needs no
// re-guessing. It only ever exists sealed at rest.
type Envelope struct {
	Ciphertext   []byte               `json:"ciphertext"`
	Layers       []EncryptionLayer    `json:"layers"`
	Compression  CompressionAlgorithm `json:"compression"`
	OriginalSize int64                `json:"original_size"`
	EncryptedAt  time.Time            `json:"encrypted_at"`
}

// KeyDerivationInfo captures everything needed to re-derive a sealing key
// deterministically at unseal time.
type KeyDerivationInfo struct {
	KDF              string `json:"kdf,omitempty"`
	Salt             []byte `json:"salt"`
	AttestationBound bool   `json:"attestation_bound"`
}

// SealingContext is bound at seal time. Unsealing must reproduce an
// equivalent context or fail; the serialized context travels as associated
// authenticated data, never as plaintext, so tampering is detectable.
type SealingContext struct {
	Policy        SealingPolicy     `json:"policy"`
	SealedAt      time.Time         `json:"sealed_at"`
	Measurement   Measurement       `json:"measurement,omitempty"`
	KeyDerivation KeyDerivationInfo `json:"key_derivation"`
}

// UnsealingRequirements is evaluated against the caller's access policy and
// context before any unseal attempt.
type UnsealingRequirements struct {
	RequiredRoles      []Role             `json:"required_roles,omitempty"`
	AttestationBinding bool               `json:"attestation_binding"`
	Classification     DataClassification `json:"classification"`
}

// SealedData is the hardware-bound form of a stored item. Once persisted it
// is owned exclusively by the index manager; the in-memory value is
// transient. The Blob layout is nonce || ciphertext || tag.
type SealedData struct {
	Blob         []byte                `json:"blob"`
	Context      SealingContext        `json:"context"`
	SealedAt     time.Time             `json:"sealed_at"`
	Requirements UnsealingRequirements `json:"requirements"`
}

// IntegrityProof is a keyed fingerprint over a persisted sealed blob plus
// policy-relevant metadata. It is verified before every unseal.
type IntegrityProof struct {
	Algorithm   string            `json:"algorithm"`
	Digest      []byte            `json:"digest"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	GeneratedAt time.Time         `json:"generated_at"`
}

// StorageLocation is a backend-opaque handle for a persisted blob. Callers
// above the index manager never interpret it.
type StorageLocation struct {
	BackendURI string `json:"backend_uri"`
	Handle     string `json:"handle"`
}

// IndexEntry is the durable record mapping a logical key to its blob.
// A key has at most one active entry at a time; overwrites replace it.
type IndexEntry struct {
	Key         string            `json:"key"`
	Location    StorageLocation   `json:"location"`
	Size        int64             `json:"size"`
	StoredSize  int64             `json:"stored_size"`
	CreatedAt   time.Time         `json:"created_at"`
	ModifiedAt  time.Time         `json:"modified_at"`
	AccessedAt  time.Time         `json:"accessed_at"`
	AccessCount uint64            `json:"access_count"`
	Version     uint64            `json:"version"`
	Proof       IntegrityProof    `json:"integrity_proof"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// StorageMetadata is the policy-gated metadata view of a stored item,
// available without touching the sealed data.
type StorageMetadata struct {
	Key         string               `json:"key"`
	Size        int64                `json:"size"`
	StoredSize  int64                `json:"stored_size"`
	Compression CompressionAlgorithm `json:"compression"`
	CreatedAt   time.Time            `json:"created_at"`
	ModifiedAt  time.Time            `json:"modified_at"`
	AccessedAt  time.Time            `json:"accessed_at"`
	AccessCount uint64               `json:"access_count"`
	Version     uint64               `json:"version"`
}

// StorageResult is the response envelope of a successful store.
type StorageResult struct {
	Key              string          `json:"key"`
	Location         StorageLocation `json:"location"`
	Size             int64           `json:"size"`
	StoredSize       int64           `json:"stored_size"`
	CompressionRatio float64         `json:"compression_ratio"`
	Fingerprint      []byte          `json:"fingerprint"`
	Version          uint64          `json:"version"`
}

// RetrievalResult is the response envelope of a successful retrieval.
type RetrievalResult struct {
	Key      string `json:"key"`
	Data     []byte `json:"data"`
	CacheHit bool   `json:"cache_hit"`
	Version  uint64 `json:"version"`
}

// UsageStats aggregates the metadata index for monitoring.
type UsageStats struct {
	Entries          int     `json:"entries"`
	LogicalBytes     int64   `json:"logical_bytes"`
	StoredBytes      int64   `json:"stored_bytes"`
	CompressionRatio float64 `json:"compression_ratio"`
}

// AccessAttempt is the audit record emitted for every authorization
// decision, allowed or denied.
type AccessAttempt struct {
	ID        string     `json:"id"`
	Key       string     `json:"key"`
	Operation Permission `json:"operation"`
	CallerID  string     `json:"caller_id"`
	Role      Role       `json:"role"`
	SourceIP  string     `json:"source_ip,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	Allowed   bool       `json:"allowed"`
	Reason    string     `json:"reason,omitempty"`
}
