// Package signature persists the {storage path, version} record that names
// the active durable storage location of an index home. The record is a
// single text line "<path>@<version>" and is only ever replaced by an atomic
// rename, so a reader always observes a complete value.
package signature

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/renameio"

	apperrors "github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/errors"
)

const (
	// FileName is the signature file inside an index home.
	FileName = "index.directory"
	// DefaultPath is the storage directory a fresh home points at.
	DefaultPath = "beef"
)

type Signature struct {
	Path    string
	Version int64
}

func (s Signature) String() string {
	return s.Path + "@" + strconv.FormatInt(s.Version, 10)
}

// Encode returns the on-disk form of s.
func (s Signature) Encode() []byte {
	return []byte(s.String())
}

// Parse decodes "<path>@<version>". The last '@' separates the version, so
// paths may themselves contain '@'.
func Parse(data []byte) (Signature, error) {
	data = bytes.TrimSpace(data)
	i := bytes.LastIndexByte(data, '@')
	if i <= 0 || i == len(data)-1 {
		return Signature{}, fmt.Errorf("%w: %q", apperrors.ErrCorruptSignature, data)
	}
	v, err := strconv.ParseInt(string(data[i+1:]), 10, 64)
	if err != nil || v < 0 {
		return Signature{}, fmt.Errorf("%w: bad version in %q", apperrors.ErrCorruptSignature, data)
	}
	return Signature{Path: string(data[:i]), Version: v}, nil
}

// Read loads the signature of home. ok is false when no signature exists yet.
func Read(home string) (sig Signature, ok bool, err error) {
	data, err := os.ReadFile(filepath.Join(home, FileName))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Signature{}, false, nil
		}
		return Signature{}, false, fmt.Errorf("reading signature: %w: %v", apperrors.ErrIndexIO, err)
	}
	sig, err = Parse(data)
	if err != nil {
		return Signature{}, false, err
	}
	return sig, true, nil
}

// Version returns the persisted version of home, or 0 when none exists.
func Version(home string) (int64, error) {
	sig, ok, err := Read(home)
	if err != nil || !ok {
		return 0, err
	}
	return sig.Version, nil
}

// Write atomically replaces the signature file of home.
func Write(home string, sig Signature) error {
	if sig.Path == "" {
		return fmt.Errorf("writing signature: %w: empty storage path", apperrors.ErrInvalidInput)
	}
	if err := renameio.WriteFile(filepath.Join(home, FileName), sig.Encode(), 0o644); err != nil {
		return fmt.Errorf("writing signature: %w: %v", apperrors.ErrIndexIO, err)
	}
	return nil
}

// Bootstrap returns the existing signature of home, creating DefaultPath@0
// when none exists.
func Bootstrap(home string) (Signature, error) {
	if err := os.MkdirAll(home, 0o755); err != nil {
		return Signature{}, fmt.Errorf("creating index home: %w: %v", apperrors.ErrIndexIO, err)
	}
	sig, ok, err := Read(home)
	if err != nil {
		return Signature{}, err
	}
	if ok {
		return sig, nil
	}
	sig = Signature{Path: DefaultPath, Version: 0}
	if err := Write(home, sig); err != nil {
		return Signature{}, err
	}
	return sig, nil
}
