package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/Own-Data-Privateer/hoardy-mail/config"
	errdef "github.com/Own-Data-Privateer/hoardy-mail/internal/errors"
	"github.com/Own-Data-Privateer/hoardy-mail/internal/models"
)

func testDefaults() *config.AppConfig {
	return &config.AppConfig{
		TimeoutSec:     60,
		StoreNumber:    150,
		FetchNumber:    150,
		BatchNumber:    150,
		BatchSize:      4 * 1024 * 1024,
		EveryAddRandom: 60,
		NotifyHelper:   "notify-send",
	}
}

func timeFixed() time.Time {
	return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
}

func runFlagApp(t *testing.T, flags []cli.Flag, action cli.ActionFunc, args ...string) error {
	t.Helper()
	app := &cli.App{Name: "test", HideHelp: true, Flags: flags, Action: action}
	return app.Run(append([]string{"test"}, args...))
}

func writePassFile(t *testing.T, password string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pass")
	require.NoError(t, os.WriteFile(path, []byte(password+"\n"), 0o600))
	return path
}

func TestAccountEmissionInCommandLineOrder(t *testing.T) {
	// Arrange
	b := newAccountBuilder(testDefaults())
	passTim := writePassFile(t, "hunter2")
	passBob := writePassFile(t, "swordfish")

	// Act
	err := runFlagApp(t, b.flags(), func(ctx *cli.Context) error { return nil },
		"--host", "mail.test",
		"--user", "tim", "--passfile", passTim,
		"--starttls", "--user", "bob", "--passfile", passBob,
	)

	// Assert
	require.NoError(t, err)
	require.NoError(t, b.err)
	require.Len(t, b.accounts, 2)

	first := b.accounts[0]
	assert.Equal(t, models.SocketSSL, first.Socket)
	assert.Equal(t, "mail.test", first.Host)
	assert.Equal(t, 993, first.Port)
	assert.Equal(t, "tim", first.User)
	assert.Equal(t, "hunter2", first.Password)

	second := b.accounts[1]
	assert.Equal(t, models.SocketStartTLS, second.Socket)
	assert.Equal(t, "mail.test", second.Host, "host persists between accounts")
	assert.Equal(t, 143, second.Port, "port re-derives from the new socket mode")
	assert.Equal(t, "bob", second.User)
	assert.Equal(t, "swordfish", second.Password)
}

func TestAccountEmissionRequiresUser(t *testing.T) {
	b := newAccountBuilder(testDefaults())
	pass := writePassFile(t, "hunter2")

	err := runFlagApp(t, b.flags(), func(ctx *cli.Context) error { return nil },
		"--host", "mail.test", "--passfile", pass)

	require.NoError(t, err)
	require.Error(t, b.err)
	assert.Equal(t, errdef.ScopeCatastrophic, errdef.ScopeOf(b.err))
	assert.Empty(t, b.accounts)
}

func TestAccountLoginForbiddenOnPlainSocketByDefault(t *testing.T) {
	b := newAccountBuilder(testDefaults())
	pass := writePassFile(t, "hunter2")

	err := runFlagApp(t, b.flags(), func(ctx *cli.Context) error { return nil },
		"--plain", "--host", "mail.test", "--user", "tim", "--passfile", pass)

	require.NoError(t, err)
	require.Len(t, b.accounts, 1)
	assert.False(t, b.accounts[0].AllowLogin)
}

func TestAccountLoginOnPlainSocketWhenAllowed(t *testing.T) {
	b := newAccountBuilder(testDefaults())
	pass := writePassFile(t, "hunter2")

	err := runFlagApp(t, b.flags(), func(ctx *cli.Context) error { return nil },
		"--plain", "--auth-allow-plain",
		"--host", "mail.test", "--user", "tim", "--passfile", pass)

	require.NoError(t, err)
	require.Len(t, b.accounts, 1)
	assert.True(t, b.accounts[0].AllowLogin)
}

func TestBuildFilterMutuallyExclusiveSeenFlags(t *testing.T) {
	err := runFlagApp(t, flagFilterFlags(), func(ctx *cli.Context) error {
		_, err := buildFilter(ctx, models.FilterSpec{})
		return err
	}, "--seen", "--unseen")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestBuildFilterOverridesInheritedTriState(t *testing.T) {
	no := false
	base := models.FilterSpec{Seen: &no}

	var filter models.FilterSpec
	err := runFlagApp(t, flagFilterFlags(), func(ctx *cli.Context) error {
		var ferr error
		filter, ferr = buildFilter(ctx, base)
		return ferr
	}, "--any-seen", "--flagged")

	require.NoError(t, err)
	assert.Nil(t, filter.Seen, "--any-seen clears the inherited seen filter")
	require.NotNil(t, filter.Flagged)
	assert.True(t, *filter.Flagged)
}

func TestBuildFoldersRequiredForMark(t *testing.T) {
	err := runFlagApp(t, folderFlags(), func(ctx *cli.Context) error {
		_, ferr := buildFolders(ctx, models.FolderSpec{}, false)
		return ferr
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "`--all-folders` or `--folder`")
}

func TestBuildFoldersDefaultsToAll(t *testing.T) {
	var spec models.FolderSpec
	err := runFlagApp(t, folderFlags(), func(ctx *cli.Context) error {
		var ferr error
		spec, ferr = buildFolders(ctx, models.FolderSpec{}, true)
		return ferr
	}, "--not-folder", "Spam")

	require.NoError(t, err)
	assert.True(t, spec.All)
	assert.Equal(t, []string{"Spam"}, spec.Exclude)
}

func TestSplitForEach(t *testing.T) {
	commands := splitForEach([]string{
		"fetch", "--mda", "cat", ";", "delete", "--folder", "INBOX", ";",
	})

	require.Len(t, commands, 2)
	assert.Equal(t, []string{"fetch", "--mda", "cat"}, commands[0])
	assert.Equal(t, []string{"delete", "--folder", "INBOX"}, commands[1])
}

func TestParseForEachSubsInheritsAndOverrides(t *testing.T) {
	// Arrange: the outer invocation selected all folders
	base := models.FolderSpec{All: true}

	// Act
	actions, err := parseForEachSubs(
		[]string{"fetch", "--mda", "cat", ";", "delete", "--folder", "INBOX"},
		models.FilterSpec{}, base)

	// Assert
	require.NoError(t, err)
	require.Len(t, actions, 2)

	fetch := actions[0]
	assert.Equal(t, models.ActionFetch, fetch.Kind)
	assert.Equal(t, "cat", fetch.MDACommand)
	assert.True(t, fetch.Folders.All, "fetch inherits the outer folder selection")
	require.NotNil(t, fetch.Filter.Seen)
	assert.False(t, *fetch.Filter.Seen, "fetch defaults to unseen")

	del := actions[1]
	assert.Equal(t, models.ActionDelete, del.Kind)
	assert.False(t, del.Folders.All)
	assert.Equal(t, []string{"INBOX"}, del.Folders.Include)
	require.NotNil(t, del.Filter.Seen)
	assert.True(t, *del.Filter.Seen, "delete defaults to seen")
}

func TestParseForEachSubsRejectsUnknownSubcommand(t *testing.T) {
	_, err := parseForEachSubs([]string{"explode"}, models.FilterSpec{}, models.FolderSpec{All: true})
	require.Error(t, err)
}

func TestParseForEachSubsRequiresSubcommands(t *testing.T) {
	_, err := parseForEachSubs(nil, models.FilterSpec{}, models.FolderSpec{All: true})
	require.Error(t, err)
}

func TestParseMarkRejectsJunk(t *testing.T) {
	_, err := parseMark("burninated")
	require.Error(t, err)
}

func TestParseMethodRejectsJunk(t *testing.T) {
	_, err := parseMethod("shred")
	require.Error(t, err)
}

func TestDescribePlanDynamicFilterUnderPolling(t *testing.T) {
	action := &models.Action{
		Kind:    models.ActionDelete,
		Folders: models.FolderSpec{Include: []string{"INBOX"}},
		Filter:  models.FilterSpec{OlderThanDays: []int{7}},
		Method:  models.MethodAuto,
	}
	action.ApplyFlagDefaults()
	require.NoError(t, action.RenderFilter(timeFixed()))

	line := describePlan(action, true)

	assert.Contains(t, line, "in `INBOX`")
	assert.Contains(t, line, "{dynamic}")
	assert.Contains(t, line, "delete them")
}

func TestDescribePlanFetchNamesDeliveryAndMark(t *testing.T) {
	action := &models.Action{
		Kind:    models.ActionFetch,
		Folders: models.FolderSpec{All: true},
		Maildir: "~/mail",
		Mark:    models.MarkAuto,
	}
	action.ApplyFlagDefaults()
	require.NoError(t, action.RenderFilter(timeFixed()))

	line := describePlan(action, false)

	assert.Contains(t, line, "in all folders")
	assert.Contains(t, line, "search (UNSEEN)")
	assert.Contains(t, line, "fetch them to `--maildir ~/mail`")
	assert.Contains(t, line, "mark them as SEEN")
}
