// Package fingerprint computes deterministic content identities for captured
// items. Byte-backed input is hashed in full; when hashing is too costly the
// engine falls back to a path-independent stat triple of name, size and
// modification time.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"capsule/internal/services"
)

// Algorithm names a fingerprint strategy.
type Algorithm string

const (
	AlgoContent Algorithm = "content"
	AlgoStat    Algorithm = "stat"
	AlgoText    Algorithm = "text"
)

// CodeSourceUnreadable is the error code reported for unreadable input.
const CodeSourceUnreadable = "source_unreadable"

// Fingerprint is the derived identity of one inbound item.
type Fingerprint struct {
	Algo  Algorithm
	Value string
}

func (f Fingerprint) String() string {
	return string(f.Algo) + ":" + f.Value
}

// Options configures file fingerprinting.
type Options struct {
	// Algorithm is the preferred strategy for files: content or stat.
	Algorithm Algorithm
	// MaxHashBytes caps full-content hashing; larger files use stat.
	MaxHashBytes int64
}

// File fingerprints the file at path. Unreadable input yields a terminal
// error carrying CodeSourceUnreadable.
func File(path string, opts Options) (Fingerprint, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Fingerprint{}, unreadable(path, err)
	}
	if info.IsDir() {
		return Fingerprint{}, unreadable(path, fmt.Errorf("is a directory"))
	}
	if opts.Algorithm == AlgoStat || (opts.MaxHashBytes > 0 && info.Size() > opts.MaxHashBytes) {
		return statFingerprint(filepath.Base(path), info.Size(), info.ModTime().UnixNano()), nil
	}

	file, err := os.Open(path)
	if err != nil {
		return Fingerprint{}, unreadable(path, err)
	}
	defer file.Close()

	hasher := sha256.New()
	size, err := io.Copy(hasher, file)
	if err != nil {
		return Fingerprint{}, unreadable(path, err)
	}
	return Fingerprint{
		Algo:  AlgoContent,
		Value: fmt.Sprintf("%x-%d", hasher.Sum(nil), size),
	}, nil
}

// Bytes fingerprints an in-memory payload with the content algorithm.
func Bytes(data []byte) Fingerprint {
	sum := sha256.Sum256(data)
	return Fingerprint{Algo: AlgoContent, Value: fmt.Sprintf("%x-%d", sum[:], len(data))}
}

// Text fingerprints manually entered text. Surrounding whitespace and line
// ending style do not change the identity.
func Text(text string) Fingerprint {
	canonical := strings.TrimSpace(strings.ReplaceAll(text, "\r\n", "\n"))
	sum := sha256.Sum256([]byte(canonical))
	return Fingerprint{Algo: AlgoText, Value: hex.EncodeToString(sum[:])}
}

func statFingerprint(name string, size int64, mtimeNanos int64) Fingerprint {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d", name, size, mtimeNanos)))
	return Fingerprint{Algo: AlgoStat, Value: hex.EncodeToString(sum[:])}
}

func unreadable(path string, err error) error {
	wrapped := services.Wrap(services.ErrValidation, "capture", "fingerprint", "source unreadable: "+path, err)
	return services.WithCode(wrapped, CodeSourceUnreadable)
}
