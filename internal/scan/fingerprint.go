// Package scan discovers documents under a folder root, fingerprints
// their content, and diffs them against the document store to decide
// what needs ingestion. Scan jobs are tracked for polling clients and
// persist across restarts.
package scan

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Fingerprint computes the SHA-256 content hash of a file, streaming so
// large documents don't load into memory. Returns the lowercase hex
// digest and the file size in bytes.
func Fingerprint(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open file: %w", err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("failed to hash file: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), size, nil
}
