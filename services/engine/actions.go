package engine

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/Own-Data-Privateer/hoardy-mail/interfaces"
	errdef "github.com/Own-Data-Privateer/hoardy-mail/internal/errors"
	"github.com/Own-Data-Privateer/hoardy-mail/internal/interrupt"
	"github.com/Own-Data-Privateer/hoardy-mail/internal/models"
)

// runSub performs one sub-action on every folder it selects. Folder-scoped
// failures are recorded and the loop continues; anything wider propagates.
func (e *Engine) runSub(session interfaces.IMAPSession, account *models.Account, state *models.CycleState, sub Sub) error {
	action := sub.Action

	if action.Kind == models.ActionList {
		folders, err := session.ListFolders()
		if err != nil {
			return errdef.Accountf("%v", err).WithCause(err)
		}
		for _, folder := range folders {
			fmt.Fprintln(e.out, folder)
		}
		return nil
	}

	var folders []string
	if action.Folders.All {
		all, err := session.ListFolders()
		if err != nil {
			return errdef.Accountf("%v", err).WithCause(err)
		}
		folders = all
	} else {
		folders = action.Folders.Include
	}

	excluded := make(map[string]bool, len(action.Folders.Exclude))
	for _, folder := range action.Folders.Exclude {
		excluded[folder] = true
	}

	for _, folder := range folders {
		if excluded[folder] {
			continue
		}
		if err := e.token.Check(); err != nil {
			return err
		}

		if err := session.Select(folder); err != nil {
			e.accountError(account, "%v", err)
			continue
		}

		err := e.folderAction(session, account, state, sub, folder)
		if err != nil {
			if !errors.Is(err, interrupt.ErrInterrupted) && errdef.ScopeOf(err) == errdef.ScopeFolder {
				e.accountError(account, "%v", err)
				_ = session.Close()
				continue
			}
			return err
		}
		_ = session.Close()
	}
	return nil
}

func (e *Engine) folderAction(session interfaces.IMAPSession, account *models.Account, state *models.CycleState, sub Sub, folder string) error {
	action := sub.Action

	uids, err := session.UIDSearch(action.SearchFilter)
	if err != nil {
		return errdef.Folderf("%v", err).WithCause(err)
	}
	n := len(uids)

	if action.Kind == models.ActionCount {
		if action.Porcelain {
			fmt.Fprintf(e.out, "%d %s\n", n, folder)
		} else {
			e.printf("folder `%s` has %d %s matching %s",
				folder, n, plural(n, "message", "messages"), action.SearchFilter)
		}
		return nil
	}

	mark := action.ResolveMark()
	var method models.DeleteMethod
	var act string
	switch action.Kind {
	case models.ActionMark:
		act = fmt.Sprintf("marking as %s %d messages matching %s from folder `%s`",
			strings.ToUpper(string(mark)), n, action.SearchFilter, folder)
	case models.ActionFetch:
		act = fmt.Sprintf("fetching %d messages matching %s from folder `%s`",
			n, action.SearchFilter, folder)
	case models.ActionDelete:
		method = action.ResolveMethod(account.Host, folder)
		if method == models.MethodGmailTrash {
			act = fmt.Sprintf("moving %d messages matching %s from folder `%s` to `[GMail]/Trash`",
				n, action.SearchFilter, folder)
		} else {
			act = fmt.Sprintf("deleting %d messages matching %s from folder `%s`",
				n, action.SearchFilter, folder)
		}
	}

	if e.dryRun {
		fmt.Fprintf(e.out, "dry-run: not %s\n", act)
		return nil
	}
	if action.Kind == models.ActionDelete && len(account.Errors) > 0 {
		e.accountError(account, "one of the previous commands reported issues: not %s", act)
		return nil
	}

	fmt.Fprintf(e.out, "%s\n", act)
	if n == 0 {
		return nil
	}

	switch action.Kind {
	case models.ActionMark:
		before := account.NumMarked
		err = e.doStore(session, account, string(mark), uids, true)
		if delta := account.NumMarked - before; delta > 0 {
			account.AddChange(folder, fmt.Sprintf("marked %d %s",
				delta, plural(delta, "message", "messages")))
		}
	case models.ActionFetch:
		beforeDelivered := account.NumDelivered
		beforeMarked := account.NumMarked
		err = e.doFetch(session, account, action, sub.Agent, uids)
		delivered := account.NumDelivered - beforeDelivered
		marked := account.NumMarked - beforeMarked
		if delivered > 0 {
			var change string
			if delivered == marked {
				change = fmt.Sprintf("fetched and marked %d %s",
					delivered, plural(delivered, "message", "messages"))
			} else {
				most := delivered
				if marked > most {
					most = marked
				}
				change = fmt.Sprintf("fetched %d but marked %d %s",
					delivered, marked, plural(most, "message", "messages"))
			}
			account.AddChange(folder, change)
			for _, hook := range action.NewMailCmds {
				state.EnqueueHook(hook)
			}
		}
	case models.ActionDelete:
		beforeTrashed := account.NumTrashed
		beforeDeleted := account.NumDeleted
		err = e.doStore(session, account, string(method), uids, true)
		if delta := account.NumTrashed - beforeTrashed; delta > 0 {
			account.AddChange(folder, fmt.Sprintf("trashed %d %s",
				delta, plural(delta, "message", "messages")))
		}
		if delta := account.NumDeleted - beforeDeleted; delta > 0 {
			account.AddChange(folder, fmt.Sprintf("deleted %d %s",
				delta, plural(delta, "message", "messages")))
		}
	}
	return err
}

// doStore applies a flag mutation or deletion method in store-number sized
// batches. The non-interruptible form runs after a successful delivery, when
// leaving messages unmarked would fetch them again next cycle.
func (e *Engine) doStore(session interfaces.IMAPSession, account *models.Account, method string, uids [][]byte, interruptible bool) error {
	if method == string(models.MarkNoop) {
		return nil
	}

	storeNum := e.batching.StoreNumber
	for len(uids) > 0 {
		if interruptible {
			if err := e.token.Check(); err != nil {
				return err
			}
		}

		group := uids
		if len(group) > storeNum {
			group = group[:storeNum]
		}
		uids = uids[len(group):]

		switch method {
		case string(models.MethodDelete), string(models.MethodDeleteNoExpunge):
			e.printf("... deleting a batch of %d messages", len(group))
		case string(models.MethodGmailTrash):
			e.printf("... moving a batch of %d messages to `[GMail]/Trash`", len(group))
		default:
			e.printf("... marking a batch of %d messages as %s", len(group), strings.ToUpper(method))
		}

		var err error
		var counter *int
		switch method {
		case string(models.MarkSeen):
			err = session.UIDStore(group, "+FLAGS.SILENT", `\Seen`)
			counter = &account.NumMarked
		case string(models.MarkUnseen):
			err = session.UIDStore(group, "-FLAGS.SILENT", `\Seen`)
			counter = &account.NumMarked
		case string(models.MarkFlagged):
			err = session.UIDStore(group, "+FLAGS.SILENT", `\Flagged`)
			counter = &account.NumMarked
		case string(models.MarkUnflagged):
			err = session.UIDStore(group, "-FLAGS.SILENT", `\Flagged`)
			counter = &account.NumMarked
		case string(models.MethodDelete), string(models.MethodDeleteNoExpunge):
			err = session.UIDStore(group, "+FLAGS.SILENT", `\Deleted`)
			if err == nil && method == string(models.MethodDelete) {
				// an EXPUNGE failure leaves the messages flagged \Deleted;
				// the next delete pass reaps them
				_ = session.Expunge()
			}
			counter = &account.NumDeleted
		case string(models.MethodGmailTrash):
			err = session.UIDStore(group, "+X-GM-LABELS", `\Trash`)
			counter = &account.NumTrashed
		default:
			return errdef.Catastrophicf("unknown STORE method `%s`", method)
		}

		if err != nil {
			e.accountError(account, "%v", err)
			continue
		}
		*counter += len(group)
	}
	return nil
}
