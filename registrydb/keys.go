package registrydb

import (
	"bytes"
	"encoding/binary"
	"time"
)

// Bucket names for bbolt storage.
var (
	bucketRepositories = []byte("repositories") // name -> Repository JSON

	bucketTags     = []byte("tags")      // repo|name|startTS -> Tag JSON
	bucketTagsLive = []byte("tags_live") // repo|name -> 8-byte startTS (live row pointer)

	bucketManifests     = []byte("manifests")      // digest -> Manifest JSON
	bucketManifestRepos = []byte("manifest_repos") // repo|digest -> ManifestEdge JSON
	bucketManifestBlobs = []byte("manifest_blobs") // repo|manifestDigest|blobDigest -> nil
	bucketRepoBlobs     = []byte("repo_blobs")     // repo|blobDigest -> BlobLink JSON

	bucketBlobs = []byte("blobs") // digest -> Blob JSON

	bucketUploads         = []byte("uploads")           // uuid -> Upload JSON
	bucketUploadsByExpiry = []byte("uploads_by_expiry") // timestamp|uuid -> uuid

	bucketDerived = []byte("derived") // srcDigest|verb|metaHash -> DerivedArtifact JSON

	bucketNotifications = []byte("notifications") // repo|uuid -> Notification JSON

	bucketEvents = []byte("events") // kind|timestamp|id -> event payload JSON
)

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte
// slice so lexicographic ordering matches time ordering. An offset handles
// negative nanosecond values (pre-1970 dates).
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTimestamp converts a big-endian byte slice back to time.Time.
func decodeTimestamp(b []byte) time.Time {
	if len(b) < 8 {
		return time.Time{}
	}
	u := binary.BigEndian.Uint64(b[:8])
	ns := int64(u) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
	return time.Unix(0, ns).UTC()
}

// makeKey joins parts with null separators.
func makeKey(parts ...string) []byte {
	size := 0
	for _, p := range parts {
		size += len(p) + 1
	}
	result := make([]byte, 0, size)
	for i, p := range parts {
		if i > 0 {
			result = append(result, 0)
		}
		result = append(result, p...)
	}
	return result
}

// splitKey splits a null-separated compound key into its parts.
func splitKey(data []byte) []string {
	raw := bytes.Split(data, []byte{0})
	parts := make([]string, len(raw))
	for i, p := range raw {
		parts[i] = string(p)
	}
	return parts
}

// makeTagKey creates a key for the tags bucket.
// Format: [repo][sep][name][sep][8-byte start timestamp]
func makeTagKey(repo, name string, start time.Time) []byte {
	prefix := makeKey(repo, name)
	result := make([]byte, 0, len(prefix)+9)
	result = append(result, prefix...)
	result = append(result, 0)
	result = append(result, encodeTimestamp(start)...)
	return result
}

// makeExpiryKey creates a key for a timestamp-ordered index.
// Format: [8-byte timestamp][suffix]
func makeExpiryKey(t time.Time, suffix string) []byte {
	ts := encodeTimestamp(t)
	result := make([]byte, 8+len(suffix))
	copy(result[:8], ts)
	copy(result[8:], suffix)
	return result
}
