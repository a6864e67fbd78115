// Package reporter turns a cycle summary into its user-visible effects:
// the poll lines, desktop notifications, and post-cycle hook commands.
package reporter

import (
	"fmt"
	"io"
	"strings"

	"github.com/Own-Data-Privateer/hoardy-mail/interfaces"
	"github.com/Own-Data-Privateer/hoardy-mail/internal/logger"
	"github.com/Own-Data-Privateer/hoardy-mail/internal/models"
	"github.com/Own-Data-Privateer/hoardy-mail/services/engine"
	"github.com/Own-Data-Privateer/hoardy-mail/services/notify"
)

type Reporter struct {
	log    logger.Logger
	out    io.Writer
	errOut io.Writer

	notifier      interfaces.Notifier
	notifySuccess bool
	notifyFailure bool
	successCmds   []string
	failureCmds   []string
	quiet         bool
}

type Config struct {
	Notifier      interfaces.Notifier
	NotifySuccess bool
	NotifyFailure bool
	SuccessCmds   []string
	FailureCmds   []string
	Quiet         bool
	Out           io.Writer
	ErrOut        io.Writer
	Log           logger.Logger
}

func New(cfg Config) *Reporter {
	return &Reporter{
		log:           cfg.Log,
		out:           cfg.Out,
		errOut:        cfg.ErrOut,
		notifier:      cfg.Notifier,
		notifySuccess: cfg.NotifySuccess,
		notifyFailure: cfg.NotifyFailure,
		successCmds:   cfg.SuccessCmds,
		failureCmds:   cfg.FailureCmds,
		quiet:         cfg.Quiet,
	}
}

// Report runs the pending new-mail hooks and emits the cycle summary: good
// outcomes to stdout with success notifications, bad outcomes to stderr with
// failure notifications.
func (r *Reporter) Report(summary *engine.Summary, state *models.CycleState) {
	for _, hook := range state.DrainHooks() {
		fmt.Fprintf(r.out, "# running `%s`\n", hook)
		notify.RunHook(hook, r.log)
	}

	var good []string
	if n := summary.NumDelivered; n > 0 {
		good = append(good, fmt.Sprintf("fetched %d new %s", n, plural(n, "message", "messages")))
	}
	if n := summary.NumMarked; n > 0 {
		good = append(good, fmt.Sprintf("marked %d %s", n, plural(n, "message", "messages")))
	}
	if n := summary.NumTrashed; n > 0 {
		good = append(good, fmt.Sprintf("trashed %d %s", n, plural(n, "message", "messages")))
	}
	if n := summary.NumDeleted; n > 0 {
		good = append(good, fmt.Sprintf("deleted %d %s", n, plural(n, "message", "messages")))
	}

	var bad []string
	if n := summary.NumUndelivered; n > 0 {
		bad = append(bad, fmt.Sprintf("failed to fetch %d %s", n, plural(n, "message", "messages")))
	}
	if n := summary.NumErrors; n > 0 {
		bad = append(bad, fmt.Sprintf("produced %d new %s", n, plural(n, "error", "errors")))
	}

	if len(good) > 0 {
		title := strings.Join(good, ", ")
		body := strings.Join(summary.Changes, "\n")
		if !r.quiet {
			fmt.Fprintf(r.out, "# poll: %s\n", title)
		}
		if r.notifySuccess {
			r.notifier.Notify("info", title, body)
		}
		r.runHooks(r.successCmds, title, body)
	}

	if len(bad) > 0 {
		title := strings.Join(bad, ", ")
		body := strings.Join(summary.Errors, "\n")
		fmt.Fprintf(r.errOut, "# poll: %s\n", title)
		if r.notifyFailure {
			r.notifier.Notify("error", title, body)
		}
		r.runHooks(r.failureCmds, title, body)
	}
}

func (r *Reporter) runHooks(cmds []string, title, body string) {
	data := []byte(title + "\n" + body + "\n")
	for _, cmd := range cmds {
		notify.RunHookStdin(cmd, data, r.log)
	}
}

func plural(n int, singular, pluralForm string) string {
	if n == 1 {
		return singular
	}
	return pluralForm
}
