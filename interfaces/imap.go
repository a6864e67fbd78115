package interfaces

import (
	"github.com/Own-Data-Privateer/hoardy-mail/internal/wire"
)

// IMAPSession is the authenticated-session surface the action engine drives.
// Implementations return an error for any non-OK tagged outcome, with the
// server's status and text folded into the message.
type IMAPSession interface {
	// ListFolders returns the names of all selectable folders.
	ListFolders() ([]string, error)

	Select(folder string) error
	// Close unselects the current folder; it is issued after every folder
	// visit, including after errors.
	Close() error
	Expunge() error
	Logout() error
	// Shutdown tears the socket down without the LOGOUT pleasantries; used
	// when the session state is no longer trustworthy.
	Shutdown() error

	// UIDSearch runs UID SEARCH with the given expression and returns the
	// matching UIDs in server order.
	UIDSearch(query string) ([][]byte, error)

	// UIDFetch runs UID FETCH for the given UID set and items, returning
	// one attribute mapping per logical response line. Responses caused by
	// other clients appear here as mappings lacking the requested items.
	UIDFetch(uids [][]byte, items string) ([]wire.Attrs, error)

	// UIDStore runs UID STORE with the given operation (e.g.
	// "+FLAGS.SILENT") and flag (e.g. `\Seen`).
	UIDStore(uids [][]byte, op string, flag string) error
}
