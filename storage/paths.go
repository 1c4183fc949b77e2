// Package storage provides the blob store: content-addressed placement of
// blobs across one or more backend drivers, with asynchronous replication
// and resumable chunked uploads.
package storage

import (
	"fmt"

	registry "github.com/wolfeidau/image-registry"
)

// BlobPath returns the storage path for a finalized blob.
// Layout: sha256/<first-2-hex>/<digest-hex>/data
func BlobPath(d registry.Digest) string {
	return fmt.Sprintf("%s/%s/%s/data", d.Algorithm, d.Hex[:2], d.Hex)
}

// UploadPath returns the scratch path prefix for an in-flight upload.
func UploadPath(uploadID string) string {
	return fmt.Sprintf("uploads/%s", uploadID)
}

// DerivedPath returns the storage path for a derived artifact. metaHash is
// the hash of the verb's varying metadata.
func DerivedPath(srcDigest registry.Digest, verb, metaHash string) string {
	return fmt.Sprintf("derived/%s/%s/%s/data", srcDigest.Hex, verb, metaHash)
}
