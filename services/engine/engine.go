// Package engine drives the per-cycle work: one authenticated session per
// account, the ordered sub-actions on it, and the telemetry the reporter
// aggregates afterwards.
package engine

import (
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"

	"github.com/Own-Data-Privateer/hoardy-mail/interfaces"
	errdef "github.com/Own-Data-Privateer/hoardy-mail/internal/errors"
	"github.com/Own-Data-Privateer/hoardy-mail/internal/interrupt"
	"github.com/Own-Data-Privateer/hoardy-mail/internal/logger"
	"github.com/Own-Data-Privateer/hoardy-mail/internal/models"
)

// Connector opens an authenticated session for an account and names the
// authentication method that succeeded.
type Connector func(account *models.Account) (interfaces.IMAPSession, string, error)

// Sub is one sub-action of a cycle, paired with its delivery agent when the
// action is a fetch.
type Sub struct {
	Action *models.Action
	Agent  interfaces.DeliveryAgent
}

// Summary aggregates one cycle across all accounts.
type Summary struct {
	NumDelivered   int
	NumMarked      int
	NumTrashed     int
	NumDeleted     int
	NumUndelivered int
	NumErrors      int

	// Changes and Errors hold one pre-formatted block per account.
	Changes []string
	Errors  []string
}

type Engine struct {
	log     logger.Logger
	out     io.Writer
	connect Connector
	token   *interrupt.Token

	batching models.Batching
	quiet    bool
	dryRun   bool
}

type Config struct {
	Connect  Connector
	Token    *interrupt.Token
	Batching models.Batching
	Quiet    bool
	DryRun   bool
	Out      io.Writer
	Log      logger.Logger
}

func New(cfg Config) *Engine {
	return &Engine{
		log:      cfg.Log,
		out:      cfg.Out,
		connect:  cfg.Connect,
		token:    cfg.Token,
		batching: cfg.Batching,
		quiet:    cfg.Quiet,
		dryRun:   cfg.DryRun,
	}
}

// RunCycle performs every sub-action for every account once. Account-scoped
// failures are recorded on the account and do not stop the cycle; the
// returned error is either catastrophic or an interrupt.
func (e *Engine) RunCycle(accounts []*models.Account, subs []Sub, state *models.CycleState) (*Summary, error) {
	summary := &Summary{}
	for _, account := range accounts {
		if err := e.token.Check(); err != nil {
			return summary, err
		}
		account.Reset()
		err := e.runAccount(account, subs, state)
		summary.absorb(account)
		if err != nil {
			return summary, err
		}
	}
	return summary, nil
}

func (e *Engine) runAccount(account *models.Account, subs []Sub, state *models.CycleState) error {
	session, method, err := e.connect(account)
	if err != nil {
		e.accountError(account, "%v", err)
		return nil
	}

	fmt.Fprintf(e.out, "# logged in (%s) as %s to host %s port %d (%s)\n",
		method, account.User, account.Host, account.Port, strings.ToUpper(string(account.Socket)))

	for _, sub := range subs {
		serr := e.runSub(session, account, state, sub)
		if serr == nil {
			continue
		}
		if errors.Is(serr, interrupt.ErrInterrupted) || errdef.ScopeOf(serr) == errdef.ScopeCatastrophic {
			_ = session.Shutdown()
			return serr
		}
		if errdef.ScopeOf(serr) == errdef.ScopeAccountSoft {
			e.accountError(account, "%v", serr)
			break
		}
		e.accountError(account, "%v", serr)
		_ = session.Shutdown()
		return nil
	}

	_ = session.Logout()
	return nil
}

func (e *Engine) accountError(account *models.Account, format string, args ...interface{}) {
	message := account.AddError(format, args...)
	e.log.Errorf("%s", message)
}

func (e *Engine) accountConflict(account *models.Account, attrs fmt.Stringer) {
	// delete does nothing while account.Errors is non-empty, so recording
	// the conflict is enough
	e.accountError(account,
		"another IMAP client is performing potentially conflicting actions in parallel with us: %s",
		attrs.String())
}

func (e *Engine) printf(format string, args ...interface{}) {
	if !e.quiet {
		fmt.Fprintf(e.out, format+"\n", args...)
	}
}

func (s *Summary) absorb(account *models.Account) {
	s.NumDelivered += account.NumDelivered
	s.NumMarked += account.NumMarked
	s.NumTrashed += account.NumTrashed
	s.NumDeleted += account.NumDeleted
	s.NumUndelivered += account.NumUndelivered
	s.NumErrors += len(account.Errors)
	if len(account.Changes) > 0 {
		s.Changes = append(s.Changes,
			fmt.Sprintf("%s on %s:\n- %s", account.User, account.Host, strings.Join(account.Changes, "\n- ")))
	}
	if len(account.Errors) > 0 {
		s.Errors = append(s.Errors,
			fmt.Sprintf("%s on %s:\n- %s", account.User, account.Host, strings.Join(account.Errors, "\n- ")))
	}
}

// plural picks the singular or plural noun for a count.
func plural(n int, singular, plural string) string {
	if n == 1 {
		return singular
	}
	return plural
}
