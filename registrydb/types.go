package registrydb

import (
	"encoding/json"
	"time"
)

// RepositoryState gates which operations a repository accepts.
type RepositoryState string

// Repository states.
const (
	StateNormal            RepositoryState = "normal"
	StateReadOnly          RepositoryState = "read_only"
	StateMirror            RepositoryState = "mirror"
	StateMarkedForDeletion RepositoryState = "marked_for_deletion"
)

// Visibility controls who can see a repository.
type Visibility string

// Repository visibilities.
const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// RepositoryKind distinguishes image repositories from application ones.
type RepositoryKind string

// Repository kinds.
const (
	KindImage       RepositoryKind = "image"
	KindApplication RepositoryKind = "application"
)

// Repository is a namespace-scoped collection of tags and manifests.
type Repository struct {
	Namespace  string          `json:"namespace"`
	Name       string          `json:"name"` // full name including namespace
	Kind       RepositoryKind  `json:"kind"`
	Visibility Visibility      `json:"visibility"`
	State      RepositoryState `json:"state"`
	// ImmutableTagPatterns holds tag-name regexes; a retag matching any
	// pattern is denied.
	ImmutableTagPatterns []string  `json:"immutable_tag_patterns,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}

// Writable reports whether the repository accepts writes.
func (r *Repository) Writable() bool {
	return r.State == StateNormal
}

// Readable reports whether the repository accepts reads.
func (r *Repository) Readable() bool {
	return r.State != StateMarkedForDeletion
}

// Tag is one row of a tag's history. At most one row per (repo, name) has
// LifetimeEndMs == nil.
type Tag struct {
	Repository      string `json:"repository"`
	Name            string `json:"name"`
	ManifestDigest  string `json:"manifest_digest"`
	LifetimeStartMs int64  `json:"lifetime_start_ms"`
	LifetimeEndMs   *int64 `json:"lifetime_end_ms,omitempty"`
	// ExpirationMs is the absolute expiry timestamp derived from the
	// quay.expires-after label, 0 when unset.
	ExpirationMs int64 `json:"expiration_ms,omitempty"`
}

// Live reports whether this is the current row for its name.
func (t *Tag) Live() bool {
	return t.LifetimeEndMs == nil
}

// Descriptor references a blob from a manifest.
type Descriptor struct {
	Digest    string `json:"digest"`
	Size      int64  `json:"size"`
	MediaType string `json:"media_type"`
}

// Manifest is a content-addressed, immutable descriptor row. Raw bytes are
// kept alongside the parsed fields so retrieval is byte-exact.
type Manifest struct {
	Digest       string          `json:"digest"`
	MediaType    string          `json:"media_type"`
	ConfigDigest string          `json:"config_digest,omitempty"`
	Layers       []Descriptor    `json:"layers,omitempty"`
	ChildDigests []string        `json:"child_digests,omitempty"`
	Labels       json.RawMessage `json:"labels,omitempty"`
	Raw          []byte          `json:"raw"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ManifestEdge links a manifest into a repository. A detached edge keeps
// its blob references alive until GC collects it.
type ManifestEdge struct {
	LinkedAt   time.Time  `json:"linked_at"`
	DetachedAt *time.Time `json:"detached_at,omitempty"`
}

// BlobLink records that a blob is reachable within a repository, created
// by upload finalization, cross-repo mount, or manifest push.
type BlobLink struct {
	LinkedAt time.Time `json:"linked_at"`
}

// Blob is the metadata row for a content-addressed byte sequence.
type Blob struct {
	Digest           string    `json:"digest"`
	Size             int64     `json:"size"`
	UncompressedSize int64     `json:"uncompressed_size,omitempty"`
	Placements       []string  `json:"placements"`
	Uploading        bool      `json:"uploading"`
	RefCount         int64     `json:"ref_count"`
	CreatedAt        time.Time `json:"created_at"`
}

// Upload is an in-flight blob write.
type Upload struct {
	UUID       string    `json:"uuid"`
	Repository string    `json:"repository"`
	Location   string    `json:"location"`
	DriverMeta []byte    `json:"driver_meta,omitempty"`
	HashState  []byte    `json:"hash_state,omitempty"`
	ByteCount  int64     `json:"byte_count"`
	Advancing  bool      `json:"advancing"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// DerivedArtifact maps (source manifest digest, verb, metadata hash) to a
// derived blob. At most one non-uploading row exists per key.
type DerivedArtifact struct {
	SourceManifestDigest string    `json:"source_manifest_digest"`
	Verb                 string    `json:"verb"`
	MetadataHash         string    `json:"metadata_hash"`
	BlobDigest           string    `json:"blob_digest,omitempty"`
	Size                 int64     `json:"size"`
	Uploading            bool      `json:"uploading"`
	UniqueID             string    `json:"unique_id"`
	Signature            []byte    `json:"signature,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}

// notificationFailureLimit suppresses a rule after this many failures.
const notificationFailureLimit = 3

// Notification is a per-repository event delivery rule.
type Notification struct {
	UUID         string          `json:"uuid"`
	Repository   string          `json:"repository"`
	EventKind    string          `json:"event_kind"`
	Method       string          `json:"method"`
	Config       json.RawMessage `json:"config,omitempty"`
	EventConfig  json.RawMessage `json:"event_config,omitempty"`
	FailureCount int             `json:"failure_count"`
	LastRanMs    int64           `json:"last_ran_ms,omitempty"`
}

// Suppressed reports whether the rule has failed too often to run.
func (n *Notification) Suppressed() bool {
	return n.FailureCount >= notificationFailureLimit
}
