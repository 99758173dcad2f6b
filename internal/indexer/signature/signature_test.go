package signature

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/renameio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/pkg/errors"
)

func TestParse(t *testing.T) {
	sig, err := Parse([]byte("beef@42\n"))
	require.NoError(t, err)
	assert.Equal(t, Signature{Path: "beef", Version: 42}, sig)

	sig, err = Parse([]byte("dir@with@at@7"))
	require.NoError(t, err)
	assert.Equal(t, "dir@with@at", sig.Path)
	assert.EqualValues(t, 7, sig.Version)

	for _, bad := range []string{"", "beef", "beef@", "@3", "beef@x", "beef@-1", "beef@1@"} {
		_, err := Parse([]byte(bad))
		assert.ErrorIs(t, err, apperrors.ErrCorruptSignature, bad)
	}
}

func TestReadMissingIsVersionZero(t *testing.T) {
	home := t.TempDir()
	_, ok, err := Read(home)
	require.NoError(t, err)
	assert.False(t, ok)

	v, err := Version(home)
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestBootstrapCreatesDefault(t *testing.T) {
	home := filepath.Join(t.TempDir(), "idx")
	sig, err := Bootstrap(home)
	require.NoError(t, err)
	assert.Equal(t, Signature{Path: DefaultPath}, sig)

	data, err := os.ReadFile(filepath.Join(home, FileName))
	require.NoError(t, err)
	assert.Equal(t, "beef@0", string(data))

	require.NoError(t, Write(home, Signature{Path: "beef", Version: 9}))
	sig, err = Bootstrap(home)
	require.NoError(t, err)
	assert.EqualValues(t, 9, sig.Version)
}

func TestCorruptSignatureSurfaces(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(home, FileName), []byte("garbage"), 0o644))
	_, _, err := Read(home)
	assert.ErrorIs(t, err, apperrors.ErrCorruptSignature)
	_, err = Bootstrap(home)
	assert.ErrorIs(t, err, apperrors.ErrIndexIO)
}

// An interrupted write must leave either the old or the new value.
func TestInterruptedWriteKeepsOldValue(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, Write(home, Signature{Path: "beef", Version: 3}))

	for i := int64(4); i < 20; i++ {
		pf, err := renameio.TempFile(home, filepath.Join(home, FileName))
		require.NoError(t, err)
		enc := Signature{Path: "beef", Version: i * 1000}.Encode()
		_, err = pf.Write(enc[:len(enc)/2])
		require.NoError(t, err)
		require.NoError(t, pf.Cleanup())

		sig, ok, err := Read(home)
		require.NoError(t, err)
		require.True(t, ok)
		assert.EqualValues(t, i-1, sig.Version)

		require.NoError(t, Write(home, Signature{Path: "beef", Version: i}))
		sig, _, err = Read(home)
		require.NoError(t, err)
		assert.EqualValues(t, i, sig.Version)
	}
}
