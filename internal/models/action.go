package models

import "time"

// ActionKind names a sub-command.
type ActionKind string

const (
	ActionList   ActionKind = "list"
	ActionCount  ActionKind = "count"
	ActionMark   ActionKind = "mark"
	ActionFetch  ActionKind = "fetch"
	ActionDelete ActionKind = "delete"
)

// Mark is a flag mutation applied by `mark`, or after a successful fetch.
type Mark string

const (
	MarkAuto      Mark = "auto"
	MarkNoop      Mark = "noop"
	MarkSeen      Mark = "seen"
	MarkUnseen    Mark = "unseen"
	MarkFlagged   Mark = "flagged"
	MarkUnflagged Mark = "unflagged"
)

// DeleteMethod selects how `delete` removes messages.
type DeleteMethod string

const (
	MethodAuto            DeleteMethod = "auto"
	MethodDelete          DeleteMethod = "delete"
	MethodDeleteNoExpunge DeleteMethod = "delete-noexpunge"
	MethodGmailTrash      DeleteMethod = "gmail-trash"
)

// DeliveryMode is the per-batch failure policy of `fetch`.
type DeliveryMode string

const (
	ModeYolo     DeliveryMode = "yolo"
	ModeCareful  DeliveryMode = "careful"
	ModeParanoid DeliveryMode = "paranoid"
)

// Batching holds the UID-count and byte-size bounds of IMAP requests.
type Batching struct {
	StoreNumber int
	FetchNumber int
	BatchNumber int
	BatchSize   int
}

// FolderSpec selects the folders an action visits.
type FolderSpec struct {
	All     bool
	Include []string
	Exclude []string
}

// Action is the resolved configuration of one sub-command.
type Action struct {
	Kind    ActionKind
	Folders FolderSpec
	Filter  FilterSpec

	// mark
	Mark Mark

	// fetch
	Maildir     string
	MDACommand  string
	Mode        DeliveryMode
	NewMailCmds []string

	// delete
	Method DeleteMethod

	Porcelain bool

	// SearchFilter is the rendered IMAP SEARCH expression for the current
	// cycle; Dynamic filters are re-rendered between cycles.
	SearchFilter string
	Dynamic      bool
}

// RenderFilter caches the SEARCH expression for the cycle instant.
func (a *Action) RenderFilter(now time.Time) error {
	sf, err := a.Filter.Render(now)
	if err != nil {
		return err
	}
	a.SearchFilter = sf
	a.Dynamic = a.Filter.Dynamic()
	return nil
}

// ApplyFlagDefaults fills the flag filter each sub-command implies when the
// user gave none: fetch acts on unseen, delete on seen, and mark on the dual
// of its argument.
func (a *Action) ApplyFlagDefaults() {
	if a.Filter.Seen != nil || a.Filter.Flagged != nil {
		return
	}
	no, yes := false, true
	switch a.Kind {
	case ActionFetch:
		a.Filter.Seen = &no
	case ActionDelete:
		a.Filter.Seen = &yes
	case ActionMark:
		switch a.Mark {
		case MarkSeen:
			a.Filter.Seen = &no
		case MarkUnseen:
			a.Filter.Seen = &yes
		case MarkFlagged:
			a.Filter.Flagged = &no
		case MarkUnflagged:
			a.Filter.Flagged = &yes
		}
	}
}

// ResolveMark resolves MarkAuto against the filter: seen iff the filter
// requires unseen only, flagged iff it requires unflagged only, noop else.
func (a *Action) ResolveMark() Mark {
	if a.Mark != MarkAuto {
		return a.Mark
	}
	seen, flagged := a.Filter.Seen, a.Filter.Flagged
	if seen != nil && !*seen && flagged == nil {
		return MarkSeen
	}
	if seen == nil && flagged != nil && !*flagged {
		return MarkFlagged
	}
	return MarkNoop
}

// ResolveMethod resolves MethodAuto: gmail-trash when the host is GMail and
// the folder is not the GMail trash folder, plain delete otherwise.
func (a *Action) ResolveMethod(host, folder string) DeleteMethod {
	if a.Method != MethodAuto {
		return a.Method
	}
	if host == "imap.gmail.com" && folder != "[Gmail]/Trash" {
		return MethodGmailTrash
	}
	return MethodDelete
}
