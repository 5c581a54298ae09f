// Package githash computes content digests compatible with git's object
// store, which is how the repository listing protocol declares per-file
// hashes. Verifying a download therefore needs no separate manifest.
package githash

import (
	"crypto/sha1" //nolint:gosec // Digest scheme is fixed by the git object store, not chosen for security.
	"encoding/hex"
	"fmt"
)

// Blob returns the hex SHA1 of data framed as a git blob object,
// "blob <decimal length>\x00<data>".
func Blob(data []byte) string {
	h := sha1.New() //nolint:gosec // See package comment.

	fmt.Fprintf(h, "blob %d\x00", len(data))
	h.Write(data)

	return hex.EncodeToString(h.Sum(nil))
}
