package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errdef "github.com/Own-Data-Privateer/hoardy-mail/internal/errors"
)

func TestFileFirstLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pass")
	require.NoError(t, os.WriteFile(path, []byte("hunter2\nsecond line\n"), 0o600))

	secret, err := File{Path: path}.Secret()

	require.NoError(t, err)
	assert.Equal(t, "hunter2", secret)
}

func TestFileCRLF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pass")
	require.NoError(t, os.WriteFile(path, []byte("hunter2\r\n"), 0o600))

	secret, err := File{Path: path}.Secret()

	require.NoError(t, err)
	assert.Equal(t, "hunter2", secret)
}

func TestFileWithoutNewline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pass")
	require.NoError(t, os.WriteFile(path, []byte("hunter2"), 0o600))

	secret, err := File{Path: path}.Secret()

	require.NoError(t, err)
	assert.Equal(t, "hunter2", secret)
}

func TestFileMissing(t *testing.T) {
	_, err := File{Path: filepath.Join(t.TempDir(), "nope")}.Secret()
	assert.Error(t, err)
}

func TestCommandFirstLine(t *testing.T) {
	secret, err := Command{Command: "printf 'hunter2\\nnoise\\n'"}.Secret()

	require.NoError(t, err)
	assert.Equal(t, "hunter2", secret)
}

func TestCommandNonZeroExitIsCatastrophic(t *testing.T) {
	_, err := Command{Command: "echo hunter2; exit 3"}.Secret()

	require.Error(t, err)
	assert.Equal(t, errdef.ScopeCatastrophic, errdef.ScopeOf(err))
	assert.Contains(t, err.Error(), "exit code 3")
}

func TestPinentryDialogue(t *testing.T) {
	// Arrange: a stub speaking just enough Assuan
	script := filepath.Join(t.TempDir(), "pinentry-stub")
	stub := `#!/bin/sh
echo "OK Pleased to meet you"
while read line; do
  case "$line" in
    GETPIN) echo "D hunter%25 2"; echo "OK";;
    BYE) echo "OK"; exit 0;;
    *) echo "OK";;
  esac
done
`
	require.NoError(t, os.WriteFile(script, []byte(stub), 0o755))

	// Act
	secret, err := Pinentry{
		Description: "Please enter the passphrase for user tim on host mail.test",
		Prompt:      "Passphrase:",
		Binary:      script,
	}.Secret()

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "hunter% 2", secret)
}

func TestPinentryError(t *testing.T) {
	script := filepath.Join(t.TempDir(), "pinentry-stub")
	stub := `#!/bin/sh
echo "OK"
while read line; do
  case "$line" in
    GETPIN) echo "ERR 83886179 Operation cancelled";;
    *) echo "OK";;
  esac
done
`
	require.NoError(t, os.WriteFile(script, []byte(stub), 0o755))

	_, err := Pinentry{Description: "d", Prompt: "p", Binary: script}.Secret()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "Operation cancelled")
}

func TestTrimEOL(t *testing.T) {
	assert.Equal(t, "x", trimEOL("x\r\n"))
	assert.Equal(t, "x", trimEOL("x\n"))
	assert.Equal(t, "x", trimEOL("x\r"))
	assert.Equal(t, "x", trimEOL("x"))
	assert.Equal(t, "", trimEOL("\n"))
}
