package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// assemblyBuffer is the in-progress download's on-disk region, written at
// its indexed chunk offset as each chunk verifies (spec.md GLOSSARY:
// "Assembly buffer"). It's exclusively owned by its session until terminal.
// Grounded on the teacher's storagePieceReader (storage.go), which reads a
// torrent's pieces from storage via ReadAt at piece-computed offsets; here
// the same offset arithmetic is used for writes, and the final read-back
// for whole-file verification reuses the read side.
type assemblyBuffer struct {
	path string
	file *os.File
}

func openAssemblyBuffer(downloadDir, requestID string) (*assemblyBuffer, error) {
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "assembly: create download dir")
	}
	path := filepath.Join(downloadDir, requestID)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "assembly: open file")
	}
	return &assemblyBuffer{path: path, file: f}, nil
}

func (a *assemblyBuffer) writeChunk(offset int64, data []byte) error {
	_, err := a.file.WriteAt(data, offset)
	return err
}

// finalHash reads the assembled file back sequentially and hashes it,
// since chunks are written at arbitrary offsets as they arrive out of
// order (spec.md §4.4.3) and must be verified in file order.
func (a *assemblyBuffer) finalHash() (string, error) {
	if _, err := a.file.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	h := sha256.New()
	if _, err := io.Copy(h, a.file); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// close fsyncs the assembled file before closing it, so a completed
// download's final bytes are durable on disk rather than sitting in the
// OS page cache (SPEC_FULL.md §3.4).
func (a *assemblyBuffer) close() error {
	if err := a.file.Sync(); err != nil {
		a.file.Close()
		return err
	}
	return a.file.Close()
}

// discard closes the file without fsyncing (it's about to be removed, so
// durability doesn't matter) and deletes it.
func (a *assemblyBuffer) discard() error {
	a.file.Close()
	return os.Remove(a.path)
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
