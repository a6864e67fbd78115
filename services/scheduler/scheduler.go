// Package scheduler runs cycles either once or on a polling schedule, with
// randomized jitter so that a fleet of clients does not hammer a server in
// lockstep.
package scheduler

import (
	"fmt"
	"io"
	"math/rand"
	"os"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Own-Data-Privateer/hoardy-mail/internal/interrupt"
	"github.com/Own-Data-Privateer/hoardy-mail/internal/logger"
)

const timestampFormat = "[2006-01-02 15:04:05]"

// minPollInterval is the floor under the fixed-interval inter-cycle sleep,
// so a cycle that overruns its --every interval cannot degenerate into busy
// polling. Cron schedules are not floored: their activations are at least a
// minute apart already, and flooring would skip ticks.
const minPollInterval = 60 * time.Second

// Scheduler decides when cycles run. EverySeconds drives fixed-interval
// polling; CronSchedule drives cron-expression polling; with neither set the
// cycle runs exactly once.
type Scheduler struct {
	log   logger.Logger
	out   io.Writer
	token *interrupt.Token

	everySeconds  int
	cronSchedule  cron.Schedule
	jitterSeconds int
	quiet         bool

	now   func() time.Time
	sleep func(time.Duration) interrupt.SleepOutcome
	rng   *rand.Rand
}

type Config struct {
	Token         *interrupt.Token
	EverySeconds  int
	CronSchedule  cron.Schedule
	JitterSeconds int
	Quiet         bool
	Out           io.Writer
	Log           logger.Logger
}

// ParseCron parses a standard 5-field cron expression for --every-at.
func ParseCron(expr string) (cron.Schedule, error) {
	return cron.ParseStandard(expr)
}

func New(cfg Config) *Scheduler {
	s := &Scheduler{
		log:           cfg.Log,
		out:           cfg.Out,
		token:         cfg.Token,
		everySeconds:  cfg.EverySeconds,
		cronSchedule:  cfg.CronSchedule,
		jitterSeconds: cfg.JitterSeconds,
		quiet:         cfg.Quiet,
		now:           time.Now,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.sleep = s.token.Sleep
	return s
}

// Polling reports whether the scheduler loops instead of running once.
func (s *Scheduler) Polling() bool {
	return s.everySeconds > 0 || s.cronSchedule != nil
}

// Run invokes cycle on schedule until interrupted. The returned error is the
// first catastrophic cycle error; graceful interruption returns nil.
func (s *Scheduler) Run(cycle func() error) error {
	if !s.Polling() {
		return cycle()
	}

	// first-cycle jitter, so restarting the process does not produce an
	// immediate thundering herd
	if toSleep := s.jitter(); toSleep > 0 {
		if s.doSleep(toSleep) == interrupt.SleepInterrupted {
			return nil
		}
	}

	for {
		if s.token.Check() != nil {
			return nil
		}

		start := s.now()
		if !s.quiet {
			fmt.Fprintf(s.out, "# poll: starting at %s\n", start.Format(timestampFormat))
		}

		if err := cycle(); err != nil {
			return err
		}

		finish := s.now()
		if !s.quiet {
			fmt.Fprintf(s.out, "# poll: finished at %s\n", finish.Format(timestampFormat))
		}

		if s.doSleep(s.nextDelay(start, finish)+s.jitter()) == interrupt.SleepInterrupted {
			return nil
		}
	}
}

// nextDelay computes the un-jittered sleep after a cycle that started at
// start and finished at finish.
func (s *Scheduler) nextDelay(start, finish time.Time) time.Duration {
	if s.cronSchedule != nil {
		delay := s.cronSchedule.Next(finish).Sub(finish)
		if delay < 0 {
			delay = 0
		}
		return delay
	}
	delay := time.Duration(s.everySeconds)*time.Second - finish.Sub(start)
	if delay < minPollInterval {
		delay = minPollInterval
	}
	return delay
}

func (s *Scheduler) jitter() time.Duration {
	if s.jitterSeconds <= 0 {
		return 0
	}
	return time.Duration(s.rng.Intn(s.jitterSeconds+1)) * time.Second
}

func (s *Scheduler) doSleep(d time.Duration) interrupt.SleepOutcome {
	target := s.now().Add(d).Format(timestampFormat)
	fmt.Fprintf(s.out, "# sleeping until %s, send SIGUSR1 to PID %s to start immediately, hit ^C to abort\n",
		target, strconv.Itoa(os.Getpid()))
	return s.sleep(d)
}
