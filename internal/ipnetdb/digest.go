package ipnetdb

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"

	"github.com/cockroachdb/errors"
)

// DigestChunkSize is the read size used by DigestFile.
const DigestChunkSize = 1 << 20

// DigestFile returns the lowercase hex SHA-256 of the file at path.
// The file is streamed, never loaded whole.
func DigestFile(path string) (string, error) {
	f, err := os.Open(path) // #nosec G304 - path is built from a validated file name
	if err != nil {
		return "", err
	}
	defer f.Close()

	sum, err := DigestReader(f, DigestChunkSize)
	if err != nil {
		return "", errors.Wrap(err, "DigestFile: "+path)
	}
	return sum, nil
}

// DigestReader hashes r in chunks of chunkSize bytes. The result does
// not depend on chunkSize.
func DigestReader(r io.Reader, chunkSize int) (string, error) {
	if chunkSize <= 0 {
		chunkSize = DigestChunkSize
	}
	h := sha256.New()
	buf := make([]byte, chunkSize)
	if _, err := io.CopyBuffer(h, onlyReader{r}, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// onlyReader hides WriterTo so io.CopyBuffer honours the buffer size.
type onlyReader struct {
	io.Reader
}

