package delivery

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Own-Data-Privateer/hoardy-mail/interfaces"
	"github.com/Own-Data-Privateer/hoardy-mail/internal/logger"
)

func testLogger() logger.Logger {
	l := logger.NewAppLogger(&logger.Config{LogLevel: "error"})
	l.InitLogger()
	return l
}

func readDirNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func TestMaildirDeliverBatch(t *testing.T) {
	// Arrange
	dir := t.TempDir()
	m := NewMaildir(dir, testLogger())
	header := []byte("Subject: one\n\n")
	body := []byte("hello\n")
	msgs := []interfaces.Message{
		{UID: []byte("7"), Header: header, Body: body},
		{UID: []byte("9"), Header: []byte("Subject: two\n\n"), Body: []byte("world\n")},
	}

	// Act
	delivered, failed, err := m.DeliverBatch(msgs)

	// Assert
	require.NoError(t, err)
	assert.Empty(t, failed)
	assert.Equal(t, [][]byte{[]byte("7"), []byte("9")}, delivered)

	assert.Empty(t, readDirNames(t, filepath.Join(dir, "tmp")))
	names := readDirNames(t, filepath.Join(dir, "new"))
	require.Len(t, names, 2)

	sum := sha256.New()
	sum.Write(header)
	sum.Write(body)
	wantPrefix := "IAH_" + hex.EncodeToString(sum.Sum(nil)) + "_0."
	wantSuffix := fmt.Sprintf(",S=%d", len(header)+len(body))
	var found string
	for _, name := range names {
		if len(name) >= len(wantPrefix) && name[:len(wantPrefix)] == wantPrefix {
			found = name
		}
	}
	require.NotEmpty(t, found, "no file named after the message hash")
	assert.Equal(t, wantSuffix, found[len(found)-len(wantSuffix):])

	content, err := os.ReadFile(filepath.Join(dir, "new", found))
	require.NoError(t, err)
	assert.Equal(t, append(append([]byte{}, header...), body...), content)
}

func TestMaildirDuplicateContentGetsDistinctNames(t *testing.T) {
	// Arrange
	dir := t.TempDir()
	m := NewMaildir(dir, testLogger())
	msg := interfaces.Message{UID: []byte("1"), Header: []byte("H\n\n"), Body: []byte("B\n")}
	msgs := []interfaces.Message{msg, {UID: []byte("2"), Header: msg.Header, Body: msg.Body}}

	// Act
	delivered, failed, err := m.DeliverBatch(msgs)

	// Assert
	require.NoError(t, err)
	assert.Empty(t, failed)
	assert.Len(t, delivered, 2)
	assert.Len(t, readDirNames(t, filepath.Join(dir, "new")), 2)
}

func TestMaildirCreatesSubdirs(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "box")
	m := NewMaildir(dir, testLogger())

	_, _, err := m.DeliverBatch(nil)

	require.NoError(t, err)
	for _, sub := range []string{"tmp", "new", "cur"} {
		info, err := os.Stat(filepath.Join(dir, sub))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestMaildirDirSyncFailureFailsWholeBatch(t *testing.T) {
	// Arrange: the final directory fsync reports an I/O error, so none of
	// the renames are known to have reached the disk.
	dir := t.TempDir()
	m := NewMaildir(dir, testLogger())
	m.fsyncDir = func(int) error { return fmt.Errorf("input/output error") }
	msgs := []interfaces.Message{
		{UID: []byte("7"), Header: []byte("Subject: one\n\n"), Body: []byte("A\n")},
		{UID: []byte("9"), Header: []byte("Subject: two\n\n"), Body: []byte("B\n")},
	}

	// Act
	delivered, failed, err := m.DeliverBatch(msgs)

	// Assert: every UID of the batch counts as undelivered
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to sync `--maildir")
	assert.Empty(t, delivered)
	assert.Equal(t, [][]byte{[]byte("7"), []byte("9")}, failed)
	// the renamed files stay in new/; re-fetching overwrites nothing since
	// names are content-addressed
	assert.Len(t, readDirNames(t, filepath.Join(dir, "new")), 2)
}

func TestMaildirLockFailureUnlinksBatch(t *testing.T) {
	dir := t.TempDir()
	m := NewMaildir(dir, testLogger())
	m.flockDir = func(int, int) error { return fmt.Errorf("resource temporarily unavailable") }
	msgs := []interfaces.Message{
		{UID: []byte("7"), Header: []byte("H\n\n"), Body: []byte("B\n")},
	}

	delivered, failed, err := m.DeliverBatch(msgs)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to lock `--maildir")
	assert.Empty(t, delivered)
	assert.Equal(t, [][]byte{[]byte("7")}, failed)
	assert.Empty(t, readDirNames(t, filepath.Join(dir, "tmp")))
	assert.Empty(t, readDirNames(t, filepath.Join(dir, "new")))
}

func TestMDADelivers(t *testing.T) {
	// Arrange
	out := filepath.Join(t.TempDir(), "out")
	m := NewMDA("cat > "+out, testLogger())
	msgs := []interfaces.Message{
		{UID: []byte("7"), Header: []byte("Subject: hi\n\n"), Body: []byte("text\n")},
	}

	// Act
	delivered, failed, err := m.DeliverBatch(msgs)

	// Assert
	require.NoError(t, err)
	assert.Empty(t, failed)
	assert.Equal(t, [][]byte{[]byte("7")}, delivered)

	content, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, []byte("Subject: hi\n\ntext\n"), content)
}

func TestMDANonZeroExitFails(t *testing.T) {
	m := NewMDA("cat >/dev/null; exit 1", testLogger())
	msgs := []interfaces.Message{
		{UID: []byte("7"), Header: []byte("H\n\n"), Body: []byte("B\n")},
	}

	delivered, failed, err := m.DeliverBatch(msgs)

	require.NoError(t, err)
	assert.Empty(t, delivered)
	assert.Equal(t, [][]byte{[]byte("7")}, failed)
}
