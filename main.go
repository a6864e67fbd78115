package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2"

	"github.com/Own-Data-Privateer/hoardy-mail/config"
	"github.com/Own-Data-Privateer/hoardy-mail/interfaces"
	errdef "github.com/Own-Data-Privateer/hoardy-mail/internal/errors"
	"github.com/Own-Data-Privateer/hoardy-mail/internal/interrupt"
	"github.com/Own-Data-Privateer/hoardy-mail/internal/logger"
	"github.com/Own-Data-Privateer/hoardy-mail/internal/models"
	"github.com/Own-Data-Privateer/hoardy-mail/services/delivery"
	"github.com/Own-Data-Privateer/hoardy-mail/services/engine"
	"github.com/Own-Data-Privateer/hoardy-mail/services/imapclient"
	"github.com/Own-Data-Privateer/hoardy-mail/services/notify"
	"github.com/Own-Data-Privateer/hoardy-mail/services/reporter"
	"github.com/Own-Data-Privateer/hoardy-mail/services/scheduler"
)

func main() {
	cfg, err := config.InitConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	appLogger := logger.NewAppLogger(cfg.Logger)
	appLogger.InitLogger()

	token := interrupt.NewToken()
	token.Install()

	app := newApp(cfg, appLogger, token)
	if err := app.Run(os.Args); err != nil {
		var failure *errdef.Failure
		if errors.As(err, &failure) {
			appLogger.Errorf("%v", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
}

type runner struct {
	cfg   *config.Config
	log   logger.Logger
	token *interrupt.Token
}

func newApp(cfg *config.Config, log logger.Logger, token *interrupt.Token) *cli.App {
	r := &runner{cfg: cfg, log: log, token: token}

	command := func(kind models.ActionKind, usage string, extra []cli.Flag, withFilters bool, argsUsage string) *cli.Command {
		builder := newAccountBuilder(cfg.AppConfig)
		flags := append([]cli.Flag{}, commonFlags(cfg.AppConfig)...)
		flags = append(flags, builder.flags()...)
		if withFilters {
			flags = append(flags, filterFlags()...)
			flags = append(flags, flagFilterFlags()...)
			flags = append(flags, folderFlags()...)
		}
		flags = append(flags, extra...)
		return &cli.Command{
			Name:      string(kind),
			Usage:     usage,
			ArgsUsage: argsUsage,
			Flags:     flags,
			Action: func(ctx *cli.Context) error {
				if kind == models.ActionList {
					return r.run(ctx, builder, []*models.Action{{Kind: models.ActionList}})
				}
				action, err := buildAction(ctx, kind, models.FilterSpec{}, models.FolderSpec{})
				if err != nil {
					return err
				}
				return r.run(ctx, builder, []*models.Action{action})
			},
		}
	}

	forEachBuilder := newAccountBuilder(cfg.AppConfig)
	forEachFlags := append([]cli.Flag{}, commonFlags(cfg.AppConfig)...)
	forEachFlags = append(forEachFlags, forEachBuilder.flags()...)
	forEachFlags = append(forEachFlags, filterFlags()...)
	forEachFlags = append(forEachFlags, flagFilterFlags()...)
	forEachFlags = append(forEachFlags, folderFlags()...)

	return &cli.App{
		Name:            "hoardy-mail",
		Usage:           "fetch, mark, and delete messages from IMAP servers, pollably",
		HideHelpCommand: true,
		Commands: []*cli.Command{
			command(models.ActionList, "list all available folders", nil, false, ""),
			command(models.ActionCount, "count matching messages in matching folders", []cli.Flag{
				&cli.BoolFlag{Name: "porcelain", Usage: "print in a machine-readable format"},
			}, true, ""),
			command(models.ActionMark, "mark matching messages in matching folders in a specified way",
				nil, true, "{seen|unseen|flagged|unflagged}"),
			command(models.ActionFetch, "fetch matching messages from matching folders, deliver them locally, and then mark them in a specified way",
				append(deliveryFlags(),
					&cli.StringFlag{Name: "mark", Value: "auto", Usage: "after fetching, mark messages how: auto, noop, seen, unseen, flagged, or unflagged"}),
				true, ""),
			command(models.ActionDelete, "delete matching messages from matching folders",
				[]cli.Flag{
					&cli.StringFlag{Name: "method", Value: "auto", Usage: "delete messages how: auto, delete, delete-noexpunge, or gmail-trash"},
				}, true, ""),
			{
				Name:      "for-each",
				Usage:     "perform several of the above commands, sequentially, on a single connection to each account",
				ArgsUsage: "CMD [ARG ...] [';' CMD [ARG ...]] ...",
				Flags:     forEachFlags,
				Action: func(ctx *cli.Context) error {
					baseFilter, err := buildFilter(ctx, models.FilterSpec{})
					if err != nil {
						return err
					}
					baseFolders, err := buildFolders(ctx, models.FolderSpec{}, true)
					if err != nil {
						return err
					}
					actions, err := parseForEachSubs(ctx.Args().Slice(), baseFilter, baseFolders)
					if err != nil {
						return err
					}
					return r.run(ctx, forEachBuilder, actions)
				},
			},
		},
	}
}

// run is the shared tail of every command: validate the accounts and
// actions, print the plan, then hand the cycle to the scheduler.
func (r *runner) run(ctx *cli.Context, b *accountBuilder, actions []*models.Action) error {
	if b.err != nil {
		return b.err
	}
	if len(b.accounts) == 0 {
		return errdef.Catastrophicf("%v", errdef.ErrNoAccounts)
	}
	for _, action := range actions {
		if action.Kind == models.ActionFetch && action.Maildir == "" && action.MDACommand == "" {
			return errdef.Catastrophicf("%v", errdef.ErrNoDeliveryMethod)
		}
	}

	quiet := ctx.Bool("quieter")
	every := ctx.Int("every")
	everyAt := ctx.String("every-at")
	if every > 0 && everyAt != "" {
		return usageError("`--every` and `--every-at` are mutually exclusive")
	}
	var cronSchedule cron.Schedule
	if everyAt != "" {
		var err error
		cronSchedule, err = scheduler.ParseCron(everyAt)
		if err != nil {
			return usageError("invalid `--every-at` schedule `%s`: %v", everyAt, err)
		}
	}
	polling := every > 0 || cronSchedule != nil

	now := time.Now()
	for _, action := range actions {
		if err := action.RenderFilter(now); err != nil {
			return errdef.Catastrophicf("%v", err).WithCause(err)
		}
	}

	if !quiet {
		switch {
		case every > 0:
			fmt.Printf("# every %d seconds, for each of\n", every)
		case cronSchedule != nil:
			fmt.Printf("# on schedule `%s`, for each of\n", everyAt)
		default:
			fmt.Printf("# for each of\n")
		}
		for _, account := range b.accounts {
			fmt.Printf("... %s\n", account.Describe())
		}
		fmt.Printf("# do\n")
		for _, action := range actions {
			fmt.Printf("... %s\n", describePlan(action, polling))
		}
	}

	if ctx.Bool("very-dry-run") {
		return cli.Exit("", 1)
	}

	debug := ctx.Bool("debug")
	connect := func(account *models.Account) (interfaces.IMAPSession, string, error) {
		client, err := imapclient.Connect(account, debug, r.log)
		if err != nil {
			return nil, "", err
		}
		return client, client.AuthMethod, nil
	}

	subs := make([]engine.Sub, 0, len(actions))
	for _, action := range actions {
		sub := engine.Sub{Action: action}
		if action.Kind == models.ActionFetch {
			if action.Maildir != "" {
				sub.Agent = delivery.NewMaildir(action.Maildir, r.log)
			} else {
				sub.Agent = delivery.NewMDA(action.MDACommand, r.log)
			}
		}
		subs = append(subs, sub)
	}

	eng := engine.New(engine.Config{
		Connect: connect,
		Token:   r.token,
		Batching: models.Batching{
			StoreNumber: ctx.Int("store-number"),
			FetchNumber: ctx.Int("fetch-number"),
			BatchNumber: ctx.Int("batch-number"),
			BatchSize:   ctx.Int("batch-size"),
		},
		Quiet:  quiet,
		DryRun: ctx.Bool("dry-run"),
		Out:    os.Stdout,
		Log:    r.log,
	})

	rep := reporter.New(reporter.Config{
		Notifier:      notify.NewDesktop(r.cfg.AppConfig.NotifyHelper, r.log),
		NotifySuccess: ctx.Bool("notify-success"),
		NotifyFailure: ctx.Bool("notify-failure"),
		SuccessCmds:   ctx.StringSlice("success-cmd"),
		FailureCmds:   ctx.StringSlice("failure-cmd"),
		Quiet:         quiet,
		Out:           os.Stdout,
		ErrOut:        os.Stderr,
		Log:           r.log,
	})

	sched := scheduler.New(scheduler.Config{
		Token:         r.token,
		EverySeconds:  every,
		CronSchedule:  cronSchedule,
		JitterSeconds: ctx.Int("every-add-random"),
		Quiet:         quiet,
		Out:           os.Stdout,
		Log:           r.log,
	})

	state := &models.CycleState{}
	hadIssues := false
	cycle := func() error {
		cycleNow := time.Now()
		for _, action := range actions {
			if !action.Dynamic {
				continue
			}
			if err := action.RenderFilter(cycleNow); err != nil {
				return errdef.Catastrophicf("%v", err).WithCause(err)
			}
		}
		summary, err := eng.RunCycle(b.accounts, subs, state)
		rep.Report(summary, state)
		if summary.NumErrors > 0 || summary.NumUndelivered > 0 {
			hadIssues = true
		}
		return err
	}

	if err := sched.Run(cycle); err != nil {
		if errors.Is(err, interrupt.ErrInterrupted) {
			return nil
		}
		return err
	}
	if hadIssues {
		return cli.Exit("", 1)
	}
	return nil
}

// describePlan renders one plan line for the pre-run listing.
func describePlan(action *models.Action, polling bool) string {
	if action.Kind == models.ActionList {
		return "list all available folders"
	}

	searchFilter := action.SearchFilter
	if polling && action.Dynamic {
		searchFilter += " {dynamic}"
	}

	var perform string
	switch action.Kind {
	case models.ActionCount:
		perform = "count them"
	case models.ActionMark:
		perform = fmt.Sprintf("mark them as %s", strings.ToUpper(string(action.Mark)))
	case models.ActionFetch:
		destination := "--maildir " + action.Maildir
		if action.MDACommand != "" {
			destination = "--mda " + action.MDACommand
		}
		perform = fmt.Sprintf("fetch them to `%s`", destination)
		if mark := action.ResolveMark(); mark != models.MarkNoop {
			perform += fmt.Sprintf(", then mark them as %s", strings.ToUpper(string(mark)))
		}
	case models.ActionDelete:
		perform = "delete them"
		if action.Method != models.MethodAuto {
			perform = fmt.Sprintf("delete them via `%s`", action.Method)
		}
	}

	return fmt.Sprintf("%s: search %s, %s", describePlace(action.Folders), searchFilter, perform)
}
