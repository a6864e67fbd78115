// Package interrupt provides the cancellation token plumbed into every
// blocking call: a bounded mailbox for signal events instead of process-wide
// mutable flags. "Wake" (SIGUSR1) aborts the inter-cycle sleep; "interrupt"
// (SIGINT/SIGTERM) requests graceful shutdown at the next safe point, and a
// second interrupt escalates to immediate termination.
package interrupt

import (
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrInterrupted is returned by Check at safe points once shutdown has been
// requested.
var ErrInterrupted = errors.New("interrupted, gracefully shutting down")

// SleepOutcome reports why a cancellable sleep returned.
type SleepOutcome int

const (
	SleepCompleted SleepOutcome = iota
	SleepWoken
	SleepInterrupted
)

// Token is the shared cancellation state.
type Token struct {
	mu         sync.Mutex
	wake       chan struct{}
	stop       chan struct{}
	interrupts int

	// Exit is called on the second interrupt; tests may replace it.
	Exit func(code int)
}

func NewToken() *Token {
	return &Token{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		Exit: os.Exit,
	}
}

// Install starts listening for wake and interrupt signals.
func (t *Token) Install() {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, unix.SIGINT, unix.SIGTERM, unix.SIGUSR1)
	go func() {
		for sig := range ch {
			switch sig {
			case unix.SIGUSR1:
				t.Wake()
			default:
				t.Interrupt()
			}
		}
	}()
}

// Wake aborts a pending sleep without stopping the loop.
func (t *Token) Wake() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Interrupt requests graceful shutdown; a repeated interrupt aborts the
// process immediately with a non-zero status.
func (t *Token) Interrupt() {
	t.mu.Lock()
	t.interrupts++
	n := t.interrupts
	if n == 1 {
		close(t.stop)
	}
	exit := t.Exit
	t.mu.Unlock()

	if n > 1 {
		exit(1)
	}
}

// Stopped reports whether shutdown has been requested.
func (t *Token) Stopped() bool {
	select {
	case <-t.stop:
		return true
	default:
		return false
	}
}

// Check is the safe-point test: it returns ErrInterrupted once shutdown has
// been requested. Interrupts are level-triggered, so the error keeps being
// returned until the process winds down.
func (t *Token) Check() error {
	if t.Stopped() {
		return ErrInterrupted
	}
	return nil
}

// Sleep waits for d unless woken or interrupted first.
func (t *Token) Sleep(d time.Duration) SleepOutcome {
	if t.Stopped() {
		return SleepInterrupted
	}
	// drain a wake left over from before the sleep started
	select {
	case <-t.wake:
	default:
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return SleepCompleted
	case <-t.wake:
		return SleepWoken
	case <-t.stop:
		return SleepInterrupted
	}
}
