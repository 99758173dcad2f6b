package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/disk"
	"github.com/Adithya-Monish-Kumar-K/Realtime-Index-Engine/internal/indexer/segment"
)

func seed(t *testing.T, home string, version int64, uids ...int64) {
	t.Helper()
	st, err := disk.Open(home, disk.WithRetry(1, time.Millisecond))
	require.NoError(t, err)
	defer st.Close()
	in := &segment.Input{Postings: make(map[string][]int32)}
	for i, uid := range uids {
		in.UIDs = append(in.UIDs, uid)
		in.Payloads = append(in.Payloads, []byte(fmt.Sprintf("doc-%d", uid)))
		in.Postings["all"] = append(in.Postings["all"], int32(i))
	}
	w, err := st.OpenWriter()
	require.NoError(t, err)
	require.NoError(t, w.AddIndex(nil, in))
	require.NoError(t, st.SetVersion(version))
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRootHasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range NewRootCmd().Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"status", "signature", "snapshot", "backup", "purge", "replicate"} {
		assert.True(t, names[want], want)
	}
}

func TestStatusAndSignature(t *testing.T) {
	home := t.TempDir()
	seed(t, home, 7, 1, 2, 3)

	out, err := run(t, "status", "--home", home, "--json")
	require.NoError(t, err)
	var status struct {
		Disk disk.Stats `json:"disk"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.EqualValues(t, 7, status.Disk.Version)
	assert.Equal(t, 3, status.Disk.Docs)

	out, err = run(t, "signature", "--home", home)
	require.NoError(t, err)
	assert.Contains(t, out, "@7")
}

func TestSnapshotExportImport(t *testing.T) {
	src := t.TempDir()
	seed(t, src, 4, 10, 11)
	file := filepath.Join(t.TempDir(), "index.snap")
	_, err := run(t, "snapshot", "export", "--home", src, "--out", file)
	require.NoError(t, err)

	dst := t.TempDir()
	out, err := run(t, "snapshot", "import", "--home", dst, "--in", file)
	require.NoError(t, err)
	assert.Contains(t, out, "@4")

	out, err = run(t, "status", "--home", dst, "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"docs": 2`)
}

func TestReplicate(t *testing.T) {
	src := t.TempDir()
	seed(t, src, 9, 1, 2)
	dest := t.TempDir()

	out, err := run(t, "replicate", "--home", src, "--copies", "2", "--dest", dest)
	require.NoError(t, err)
	assert.Contains(t, out, "copy-1")

	for i := range 2 {
		out, err := run(t, "signature", "--home", filepath.Join(dest, fmt.Sprintf("copy-%d", i)))
		require.NoError(t, err)
		assert.Contains(t, out, "@9")
	}

	_, err = run(t, "replicate", "--home", src, "--copies", "0", "--dest", dest)
	assert.Error(t, err)
}

func TestBackupLocalPushPull(t *testing.T) {
	src := t.TempDir()
	seed(t, src, 3, 5)
	store := t.TempDir()

	out, err := run(t, "backup", "push", "--home", src, "--local", store)
	require.NoError(t, err)
	assert.Contains(t, out, "version 3")

	out, err = run(t, "backup", "list", "--home", src, "--local", store)
	require.NoError(t, err)
	assert.Contains(t, out, "shard-0/")

	dst := t.TempDir()
	out, err = run(t, "backup", "pull", "--home", dst, "--local", store)
	require.NoError(t, err)
	assert.Contains(t, out, "@3")
}

func TestPurgeNeedsConfirmation(t *testing.T) {
	home := t.TempDir()
	seed(t, home, 2, 1)
	_, err := run(t, "purge", "--home", home)
	assert.ErrorContains(t, err, "--yes")

	_, err = run(t, "purge", "--home", home, "--yes")
	require.NoError(t, err)
	out, err := run(t, "signature", "--home", home)
	require.NoError(t, err)
	assert.Contains(t, out, "@0")
}
