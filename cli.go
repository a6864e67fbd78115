package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/Own-Data-Privateer/hoardy-mail/config"
	"github.com/Own-Data-Privateer/hoardy-mail/interfaces"
	errdef "github.com/Own-Data-Privateer/hoardy-mail/internal/errors"
	"github.com/Own-Data-Privateer/hoardy-mail/internal/models"
	"github.com/Own-Data-Privateer/hoardy-mail/services/secrets"
)

// orderedValue is a flag value whose Set runs at parse time, in command-line
// order. Account emission depends on this: each `--pass*` flag captures the
// `--host`, `--user`, and transport settings seen so far, exactly where it
// appears on the command line.
type orderedValue struct {
	isBool bool
	apply  func(string) error
	text   string
}

func (v *orderedValue) Set(s string) error {
	v.text = s
	return v.apply(s)
}

func (v *orderedValue) String() string { return v.text }

// IsBoolFlag makes the underlying flag package accept the flag without an
// argument.
func (v *orderedValue) IsBoolFlag() bool { return v.isBool }

func boolSwitch(apply func()) *orderedValue {
	return &orderedValue{isBool: true, apply: func(string) error {
		apply()
		return nil
	}}
}

func stringValue(apply func(string) error) *orderedValue {
	return &orderedValue{apply: apply}
}

func intValue(apply func(int) error) *orderedValue {
	return &orderedValue{apply: func(s string) error {
		n, err := strconv.Atoi(s)
		if err != nil {
			return err
		}
		return apply(n)
	}}
}

// accountBuilder accumulates connection settings and emits one account per
// password flag. Errors are parked instead of returned so that a failing
// password source surfaces as a catastrophic failure, not a usage error.
type accountBuilder struct {
	socket     models.SocketMode
	host       string
	port       int
	portSet    bool
	user       string
	timeoutSec int
	allowLogin bool
	allowPlain bool

	accounts []*models.Account
	err      error
}

func newAccountBuilder(defaults *config.AppConfig) *accountBuilder {
	return &accountBuilder{
		socket:     models.SocketSSL,
		timeoutSec: defaults.TimeoutSec,
		allowLogin: true,
	}
}

func (b *accountBuilder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

func (b *accountBuilder) emit(source interfaces.SecretSource) {
	if b.err != nil {
		return
	}
	if b.host == "" {
		b.fail(errdef.Catastrophicf("`--host` is required"))
		return
	}
	if b.user == "" {
		b.fail(errdef.Catastrophicf("`--user` is required"))
		return
	}

	port := b.port
	if !b.portSet {
		port = b.socket.DefaultPort()
	}

	allowLogin := b.allowLogin
	if b.socket == models.SocketPlain {
		allowLogin = allowLogin && b.allowPlain
	}

	password, err := source.Secret()
	if err != nil {
		b.fail(err)
		return
	}

	b.accounts = append(b.accounts, &models.Account{
		Socket:     b.socket,
		Host:       b.host,
		Port:       port,
		User:       b.user,
		Password:   password,
		AllowLogin: allowLogin,
		TimeoutSec: b.timeoutSec,
	})
	b.user = ""
}

func (b *accountBuilder) flags() []cli.Flag {
	return []cli.Flag{
		&cli.GenericFlag{Name: "plain", Usage: "connect via plain-text socket",
			Value: boolSwitch(func() { b.socket = models.SocketPlain })},
		&cli.GenericFlag{Name: "ssl", Usage: "connect over SSL socket (default)",
			Value: boolSwitch(func() { b.socket = models.SocketSSL })},
		&cli.GenericFlag{Name: "starttls", Usage: "connect via plain-text socket, but then use STARTTLS command",
			Value: boolSwitch(func() { b.socket = models.SocketStartTLS })},
		&cli.GenericFlag{Name: "host", Usage: "IMAP server to connect to (required)",
			Value: stringValue(func(s string) error { b.host = s; return nil })},
		&cli.GenericFlag{Name: "port", Usage: "port to use (default: 143 for `--plain` and `--starttls`, 993 for `--ssl`)",
			Value: intValue(func(n int) error { b.port = n; b.portSet = true; return nil })},
		&cli.GenericFlag{Name: "timeout", Usage: "socket timeout, in seconds",
			Value: intValue(func(n int) error { b.timeoutSec = n; return nil })},
		&cli.GenericFlag{Name: "user", Usage: "username on the server (required)",
			Value: stringValue(func(s string) error { b.user = s; return nil })},
		&cli.GenericFlag{Name: "auth-allow-login", Usage: "allow the use of IMAP `LOGIN` command (default)",
			Value: boolSwitch(func() { b.allowLogin = true })},
		&cli.GenericFlag{Name: "auth-forbid-login", Usage: "forbid the use of IMAP `LOGIN` command, fail if challenge-response authentication is not available",
			Value: boolSwitch(func() { b.allowLogin = false })},
		&cli.GenericFlag{Name: "auth-allow-plain", Usage: "allow passwords to be transmitted over the network in plain-text",
			Value: boolSwitch(func() { b.allowPlain = true })},
		&cli.GenericFlag{Name: "auth-forbid-plain", Usage: "forbid passwords from being transmitted over the network in plain-text (default)",
			Value: boolSwitch(func() { b.allowPlain = false })},
		&cli.GenericFlag{Name: "pass-pinentry", Usage: "read the password via `pinentry`",
			Value: boolSwitch(func() {
				b.emit(secrets.Pinentry{
					Description: fmt.Sprintf("Please enter the passphrase for user %s on host %s", b.user, b.host),
					Prompt:      "Passphrase:",
				})
			})},
		&cli.GenericFlag{Name: "passfile", Aliases: []string{"pass-file"}, Usage: "file containing the password on its first line",
			Value: stringValue(func(s string) error { b.emit(secrets.File{Path: s}); return nil })},
		&cli.GenericFlag{Name: "passcmd", Aliases: []string{"pass-cmd"}, Usage: "shell command that returns the password as the first line of its stdout",
			Value: stringValue(func(s string) error { b.emit(secrets.Command{Command: s}); return nil })},
	}
}

func commonFlags(defaults *config.AppConfig) []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{Name: "quieter", Aliases: []string{"q"}, Usage: "be less verbose"},
		&cli.BoolFlag{Name: "very-dry-run", Usage: "verbosely describe what the given command line would do and exit"},
		&cli.BoolFlag{Name: "dry-run", Usage: "perform a trial run without actually performing any changes"},
		&cli.BoolFlag{Name: "debug", Usage: "dump IMAP conversation to stderr"},

		&cli.BoolFlag{Name: "notify-success", Usage: "generate notifications describing server-side changes, if any, at the end of each program cycle"},
		&cli.StringSliceFlag{Name: "success-cmd", Usage: "shell command to run at the end of each program cycle that performed some changes on the server; receives the description of the changes via stdin; can be specified multiple times"},
		&cli.BoolFlag{Name: "notify-failure", Usage: "generate notifications describing recent failures, if any, at the end of each program cycle"},
		&cli.StringSliceFlag{Name: "failure-cmd", Usage: "shell command to run at the end of each program cycle that had some of its commands fail; receives the description of the failures via stdin; can be specified multiple times"},

		&cli.IntFlag{Name: "store-number", Value: defaults.StoreNumber, Usage: "batch at most this many message UIDs in IMAP `STORE` requests"},
		&cli.IntFlag{Name: "fetch-number", Value: defaults.FetchNumber, Usage: "batch at most this many message UIDs in IMAP `FETCH` metadata requests"},
		&cli.IntFlag{Name: "batch-number", Value: defaults.BatchNumber, Usage: "batch at most this many message UIDs in IMAP `FETCH` data requests"},
		&cli.IntFlag{Name: "batch-size", Value: defaults.BatchSize, Usage: "batch `FETCH` at most this many bytes of RFC822 messages at once; larger messages are fetched one by one"},

		&cli.IntFlag{Name: "every", Usage: "repeat the command every `INTERVAL` seconds"},
		&cli.StringFlag{Name: "every-at", Usage: "repeat the command on a 5-field cron `SCHEDULE` instead of a fixed interval"},
		&cli.IntFlag{Name: "every-add-random", Value: defaults.EveryAddRandom, Usage: "sleep a random number of seconds in [0, ADD] range before each cycle, including the very first one"},
	}
}

func filterFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntSliceFlag{Name: "older-than", Usage: "operate on messages older than this many days; can be specified multiple times, the most old date wins"},
		&cli.IntSliceFlag{Name: "newer-than", Usage: "operate on messages newer than this many days; can be specified multiple times, the least old date wins"},
		&cli.StringSliceFlag{Name: "older-than-timestamp-in", Usage: "operate on messages older than the timestamp recorded on the first line of this `PATH`"},
		&cli.StringSliceFlag{Name: "newer-than-timestamp-in", Usage: "operate on messages newer than the timestamp recorded on the first line of this `PATH`"},
		&cli.StringSliceFlag{Name: "older-than-mtime-of", Usage: "operate on messages older than `mtime` of this PATH"},
		&cli.StringSliceFlag{Name: "newer-than-mtime-of", Usage: "operate on messages newer than `mtime` of this PATH"},
		&cli.StringSliceFlag{Name: "from", Usage: "operate on messages that have this string as substring of their header's FROM field"},
		&cli.StringSliceFlag{Name: "not-from", Usage: "operate on messages that don't have this string as substring of their header's FROM field"},
	}
}

func flagFilterFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{Name: "any-seen", Usage: "operate on both `SEEN` and not `SEEN` messages"},
		&cli.BoolFlag{Name: "seen", Usage: "operate on messages marked as `SEEN`"},
		&cli.BoolFlag{Name: "unseen", Usage: "operate on messages not marked as `SEEN`"},
		&cli.BoolFlag{Name: "any-flagged", Usage: "operate on both `FLAGGED` and not `FLAGGED` messages"},
		&cli.BoolFlag{Name: "flagged", Usage: "operate on messages marked as `FLAGGED`"},
		&cli.BoolFlag{Name: "unflagged", Usage: "operate on messages not marked as `FLAGGED`"},
	}
}

func folderFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{Name: "all-folders", Usage: "operate on all folders"},
		&cli.StringSliceFlag{Name: "folder", Usage: "mail folders to include; can be specified multiple times"},
		&cli.StringSliceFlag{Name: "not-folder", Usage: "mail folders to exclude; can be specified multiple times"},
	}
}

func deliveryFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "maildir", Usage: "Maildir to deliver the messages to"},
		&cli.StringFlag{Name: "mda", Usage: "shell command to use as an MDA to deliver the messages to"},
		&cli.BoolFlag{Name: "yolo", Usage: "ignore delivery failures, keep going"},
		&cli.BoolFlag{Name: "careful", Usage: "abort the current `fetch` and all following commands if zero messages from a batch got delivered (default)"},
		&cli.BoolFlag{Name: "paranoid", Usage: "abort the process immediately if any message in a batch fails to be delivered"},
		&cli.StringSliceFlag{Name: "new-mail-cmd", Usage: "shell command to run at the end of each program cycle that had new messages successfully delivered; can be specified multiple times"},
	}
}

func usageError(format string, args ...interface{}) error {
	return fmt.Errorf(format, args...)
}

// buildFilter translates the filter flags, inheriting any field the command
// line leaves untouched from base.
func buildFilter(ctx *cli.Context, base models.FilterSpec) (models.FilterSpec, error) {
	filter := base

	seenSet := 0
	for _, name := range []string{"any-seen", "seen", "unseen"} {
		if ctx.Bool(name) {
			seenSet++
		}
	}
	if seenSet > 1 {
		return filter, usageError("`--any-seen`, `--seen` and `--unseen` are mutually exclusive")
	}
	yes, no := true, false
	switch {
	case ctx.Bool("any-seen"):
		filter.Seen = nil
	case ctx.Bool("seen"):
		filter.Seen = &yes
	case ctx.Bool("unseen"):
		filter.Seen = &no
	}

	flaggedSet := 0
	for _, name := range []string{"any-flagged", "flagged", "unflagged"} {
		if ctx.Bool(name) {
			flaggedSet++
		}
	}
	if flaggedSet > 1 {
		return filter, usageError("`--any-flagged`, `--flagged` and `--unflagged` are mutually exclusive")
	}
	switch {
	case ctx.Bool("any-flagged"):
		filter.Flagged = nil
	case ctx.Bool("flagged"):
		filter.Flagged = &yes
	case ctx.Bool("unflagged"):
		filter.Flagged = &no
	}

	if ctx.IsSet("from") {
		filter.From = ctx.StringSlice("from")
	}
	if ctx.IsSet("not-from") {
		filter.NotFrom = ctx.StringSlice("not-from")
	}
	if ctx.IsSet("older-than") {
		filter.OlderThanDays = ctx.IntSlice("older-than")
	}
	if ctx.IsSet("newer-than") {
		filter.NewerThanDays = ctx.IntSlice("newer-than")
	}
	if ctx.IsSet("older-than-timestamp-in") {
		filter.OlderThanTimestampIn = ctx.StringSlice("older-than-timestamp-in")
	}
	if ctx.IsSet("newer-than-timestamp-in") {
		filter.NewerThanTimestampIn = ctx.StringSlice("newer-than-timestamp-in")
	}
	if ctx.IsSet("older-than-mtime-of") {
		filter.OlderThanMtimeOf = ctx.StringSlice("older-than-mtime-of")
	}
	if ctx.IsSet("newer-than-mtime-of") {
		filter.NewerThanMtimeOf = ctx.StringSlice("newer-than-mtime-of")
	}

	return filter, nil
}

// buildFolders translates the folder flags. allByDefault applies when neither
// `--all-folders` nor `--folder` is given: count and fetch default to all
// folders, mark and delete refuse to guess.
func buildFolders(ctx *cli.Context, base models.FolderSpec, allByDefault bool) (models.FolderSpec, error) {
	spec := base
	if ctx.Bool("all-folders") && ctx.IsSet("folder") {
		return spec, usageError("`--all-folders` and `--folder` are mutually exclusive")
	}
	if ctx.Bool("all-folders") {
		spec.All = true
		spec.Include = nil
	} else if ctx.IsSet("folder") {
		spec.All = false
		spec.Include = ctx.StringSlice("folder")
	}
	if ctx.IsSet("not-folder") {
		spec.Exclude = ctx.StringSlice("not-folder")
	}

	if !spec.All && len(spec.Include) == 0 {
		if !allByDefault {
			return spec, usageError("one of `--all-folders` or `--folder` is required")
		}
		spec.All = true
	}
	return spec, nil
}

func parseMark(s string) (models.Mark, error) {
	switch models.Mark(s) {
	case models.MarkAuto, models.MarkNoop, models.MarkSeen, models.MarkUnseen,
		models.MarkFlagged, models.MarkUnflagged:
		return models.Mark(s), nil
	}
	return "", usageError("invalid mark `%s`", s)
}

func parseMethod(s string) (models.DeleteMethod, error) {
	switch models.DeleteMethod(s) {
	case models.MethodAuto, models.MethodDelete, models.MethodDeleteNoExpunge, models.MethodGmailTrash:
		return models.DeleteMethod(s), nil
	}
	return "", usageError("invalid deletion method `%s`", s)
}

func buildDelivery(ctx *cli.Context, action *models.Action) error {
	if ctx.String("maildir") != "" && ctx.String("mda") != "" {
		return usageError("`--maildir` and `--mda` are mutually exclusive")
	}
	if ctx.String("maildir") != "" {
		action.Maildir = ctx.String("maildir")
	}
	if ctx.String("mda") != "" {
		action.MDACommand = ctx.String("mda")
	}

	modes := 0
	for _, name := range []string{"yolo", "careful", "paranoid"} {
		if ctx.Bool(name) {
			modes++
		}
	}
	if modes > 1 {
		return usageError("`--yolo`, `--careful` and `--paranoid` are mutually exclusive")
	}
	switch {
	case ctx.Bool("yolo"):
		action.Mode = models.ModeYolo
	case ctx.Bool("paranoid"):
		action.Mode = models.ModeParanoid
	default:
		action.Mode = models.ModeCareful
	}

	action.NewMailCmds = ctx.StringSlice("new-mail-cmd")
	return nil
}

// buildAction assembles one sub-command's action, inheriting filter and
// folder settings from base (the zero value outside `for-each`).
func buildAction(ctx *cli.Context, kind models.ActionKind, baseFilter models.FilterSpec, baseFolders models.FolderSpec) (*models.Action, error) {
	action := &models.Action{Kind: kind}

	var err error
	action.Filter, err = buildFilter(ctx, baseFilter)
	if err != nil {
		return nil, err
	}

	switch kind {
	case models.ActionCount:
		action.Porcelain = ctx.Bool("porcelain")
		action.Folders, err = buildFolders(ctx, baseFolders, true)
	case models.ActionMark:
		if ctx.Args().Len() != 1 {
			return nil, usageError("`mark` requires exactly one argument: seen, unseen, flagged, or unflagged")
		}
		action.Mark, err = parseMark(ctx.Args().First())
		if err == nil && (action.Mark == models.MarkAuto || action.Mark == models.MarkNoop) {
			err = usageError("invalid mark `%s`", action.Mark)
		}
		if err == nil {
			action.Folders, err = buildFolders(ctx, baseFolders, false)
		}
	case models.ActionFetch:
		action.Mark = models.MarkAuto
		if ctx.IsSet("mark") {
			action.Mark, err = parseMark(ctx.String("mark"))
		}
		if err == nil {
			err = buildDelivery(ctx, action)
		}
		if err == nil {
			action.Folders, err = buildFolders(ctx, baseFolders, true)
		}
	case models.ActionDelete:
		action.Method = models.MethodAuto
		if ctx.IsSet("method") {
			action.Method, err = parseMethod(ctx.String("method"))
		}
		if err == nil {
			action.Folders, err = buildFolders(ctx, baseFolders, false)
		}
	}
	if err != nil {
		return nil, err
	}

	action.ApplyFlagDefaults()
	return action, nil
}

// splitForEach splits the trailing arguments of `for-each` on `;` tokens.
func splitForEach(args []string) [][]string {
	var commands [][]string
	var acc []string
	for _, arg := range args {
		if arg != ";" {
			acc = append(acc, arg)
			continue
		}
		if len(acc) > 0 {
			commands = append(commands, acc)
			acc = nil
		}
	}
	if len(acc) > 0 {
		commands = append(commands, acc)
	}
	return commands
}

// parseForEachSubs parses each `;`-separated chunk as a sub-command with its
// own folder, filter, and command-specific flags, inheriting everything else
// from the `for-each` invocation.
func parseForEachSubs(args []string, baseFilter models.FilterSpec, baseFolders models.FolderSpec) ([]*models.Action, error) {
	var actions []*models.Action

	// a fresh parser per chunk, since urfave flag values are stateful
	newParser := func() *cli.App {
		capture := func(kind models.ActionKind, extra []cli.Flag) *cli.Command {
			flags := append([]cli.Flag{}, filterFlags()...)
			flags = append(flags, flagFilterFlags()...)
			flags = append(flags, folderFlags()...)
			flags = append(flags, extra...)
			return &cli.Command{
				Name:  string(kind),
				Flags: flags,
				Action: func(ctx *cli.Context) error {
					action, err := buildAction(ctx, kind, baseFilter, baseFolders)
					if err != nil {
						return err
					}
					actions = append(actions, action)
					return nil
				},
			}
		}

		return &cli.App{
			Name:            "hoardy-mail for-each",
			HideHelp:        true,
			HideHelpCommand: true,
			Commands: []*cli.Command{
				capture(models.ActionCount, []cli.Flag{
					&cli.BoolFlag{Name: "porcelain", Usage: "print in a machine-readable format"},
				}),
				capture(models.ActionMark, nil),
				capture(models.ActionFetch, append(deliveryFlags(),
					&cli.StringFlag{Name: "mark", Value: "auto", Usage: "mark fetched messages how"})),
				capture(models.ActionDelete, []cli.Flag{
					&cli.StringFlag{Name: "method", Value: "auto", Usage: "delete messages how"},
				}),
			},
			Action: func(ctx *cli.Context) error {
				if ctx.Args().Len() > 0 {
					return usageError("unknown subcommand `%s`", ctx.Args().First())
				}
				return usageError("empty subcommand")
			},
		}
	}

	for _, chunk := range splitForEach(args) {
		if err := newParser().Run(append([]string{"for-each"}, chunk...)); err != nil {
			return nil, err
		}
	}
	if len(actions) == 0 {
		return nil, usageError("`for-each` requires at least one subcommand")
	}
	return actions, nil
}

// describePlace renders the folder selection for plan lines.
func describePlace(spec models.FolderSpec) string {
	var place string
	if spec.All {
		place = "in all folders"
	} else {
		place = "in " + quoteJoin(spec.Include)
	}
	if len(spec.Exclude) > 0 {
		place += " excluding " + quoteJoin(spec.Exclude)
	}
	return place
}

func quoteJoin(items []string) string {
	quoted := make([]string, 0, len(items))
	for _, item := range items {
		quoted = append(quoted, fmt.Sprintf("`%s`", item))
	}
	return strings.Join(quoted, ", ")
}
