package errors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Scope classifies a failure by how much of the current cycle it poisons.
type Scope int

const (
	// ScopeIgnored covers hook and notification child-process errors.
	ScopeIgnored Scope = iota
	// ScopeFolder aborts the current folder only.
	ScopeFolder
	// ScopeAccountSoft aborts the current sub-action and any following
	// sub-actions on this account within the cycle.
	ScopeAccountSoft
	// ScopeAccount aborts the rest of this account for the cycle.
	ScopeAccount
	// ScopeCatastrophic aborts the whole process with exit status 1.
	ScopeCatastrophic
)

var (
	ErrNoAccounts        = errors.New("no accounts are specified, need at least one `--host`, `--user`, and one of `--pass-pinentry`, `--passfile` or `--passcmd`")
	ErrNoDeliveryMethod  = errors.New("no delivery method is specified, either `--maildir` or `--mda` is required")
	ErrAuthPolicyFailure = errors.New("authentication with plain-text credentials is disabled, set both `--auth-allow-login` and `--auth-allow-plain` if you really want to do this")
)

// Failure is a tagged error variant carrying the scope the top-level funnel
// maps to exit status and hook invocation.
type Failure struct {
	Scope   Scope
	Message string
	cause   error
}

func (f *Failure) Error() string { return f.Message }

func (f *Failure) Unwrap() error { return f.cause }

func newf(scope Scope, format string, args ...interface{}) *Failure {
	return &Failure{Scope: scope, Message: fmt.Sprintf(format, args...)}
}

func Catastrophicf(format string, args ...interface{}) *Failure {
	return newf(ScopeCatastrophic, format, args...)
}

func Accountf(format string, args ...interface{}) *Failure {
	return newf(ScopeAccount, format, args...)
}

func AccountSoftf(format string, args ...interface{}) *Failure {
	return newf(ScopeAccountSoft, format, args...)
}

func Folderf(format string, args ...interface{}) *Failure {
	return newf(ScopeFolder, format, args...)
}

// WithCause attaches the underlying error without changing the message.
func (f *Failure) WithCause(err error) *Failure {
	f.cause = err
	return f
}

// ScopeOf extracts the failure scope, defaulting to account scope for plain
// errors coming out of socket or protocol plumbing.
func ScopeOf(err error) Scope {
	var f *Failure
	if errors.As(err, &f) {
		return f.Scope
	}
	return ScopeAccount
}

// IMAPError renders a server rejection the way every action reports it.
func IMAPError(command, status, text string) string {
	if text == "" {
		return fmt.Sprintf("IMAP %s command failed: %s", command, status)
	}
	return fmt.Sprintf("IMAP %s command failed: %s %q", command, status, text)
}
