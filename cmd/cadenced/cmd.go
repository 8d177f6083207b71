package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli"

	"cadence/internal/app"
	"cadence/internal/config"
	"cadence/internal/storage"
	"cadence/internal/task/scheduler"
	logx "cadence/pkg/logx"
	"cadence/pkg/systemd"
)

var globalFlags = []cli.Flag{
	cli.StringFlag{
		Name:   "config, c",
		Value:  "./cadence.yaml",
		Usage:  "path to the config file (YAML or JSON)",
		EnvVar: "CADENCE_CONFIG",
	},
	cli.StringFlag{
		Name:  "log-level",
		Usage: "override logging.level (trace, debug, info, warn, error)",
	},
}

var runsFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "job, j",
		Usage: "only show runs of this job",
	},
	cli.IntFlag{
		Name:  "limit, n",
		Value: 20,
		Usage: "number of runs to show",
	},
	cli.BoolFlag{
		Name:  "json",
		Usage: "print JSON instead of a table",
	},
}

// Execute runs the command line.
func Execute(args []string) error {
	return newApp(os.Stdout).Run(args)
}

func newApp(w io.Writer) *cli.App {
	return &cli.App{
		Name:     "cadenced",
		HelpName: "cadenced",
		Usage:    "run shell jobs on fixed-rate, fixed-delay and cron schedules",
		Version:  fmt.Sprintf("%s (%s)", version, commit),
		Flags:    globalFlags,
		Writer:   w,
		Action:   run,
		Commands: []cli.Command{
			{
				Name:   "run",
				Usage:  "run the daemon (default)",
				Action: run,
			},
			{
				Name:   "validate",
				Usage:  "check the config file and print the parsed schedules",
				Action: validate,
			},
			{
				Name:   "runs",
				Usage:  "show recent runs from the run history",
				Flags:  runsFlags,
				Action: runs,
			},
		},
	}
}

func configPath(c *cli.Context) string {
	if p := c.GlobalString("config"); p != "" {
		return p
	}
	return c.String("config")
}

func logLevel(c *cli.Context) string {
	if l := c.GlobalString("log-level"); l != "" {
		return l
	}
	return c.String("log-level")
}

func run(c *cli.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := app.New(configPath(c), app.WithLogLevel(logLevel(c)))
	if err != nil {
		return err
	}
	if err := d.Start(ctx); err != nil {
		stopCtx, stop := context.WithTimeout(context.Background(), d.Config().ShutdownTimeout())
		defer stop()
		_ = d.Stop(stopCtx, app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}
	_, _ = systemd.Ready()
	_, _ = systemd.Status(fmt.Sprintf("%d tasks pending", d.Scheduler().Pending()))

	wdCtx, wdCancel := context.WithCancel(ctx)
	defer wdCancel()
	go func() { _ = systemd.Watchdog(wdCtx) }()

	var reason app.StopReason
	select {
	case sig := <-sigCh:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-d.Done():
		reason = app.StopFatalError
	}
	cancel()
	_, _ = systemd.Stopping()

	stopCtx, stop := context.WithTimeout(context.Background(), d.Config().ShutdownTimeout())
	defer stop()
	if err := d.Stop(stopCtx, reason); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if reason == app.StopFatalError {
		return d.Err()
	}
	return nil
}

func validate(c *cli.Context) error {
	path := configPath(c)
	m := config.NewManager(path, logx.Nop())
	cfg, err := m.Load()
	if err != nil {
		return err
	}
	sc, err := cfg.SchedulerConfig()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "config\t%s\n", path)
	fmt.Fprintf(w, "workers\t%d\n", sc.Workers)
	fmt.Fprintf(w, "shutdown\t%s (timeout %s)\n", sc.ShutdownPolicy, cfg.ShutdownTimeout())
	fmt.Fprintf(w, "fixed delay\t%s\n", sc.FixedDelayMode)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "JOB\tSCHEDULE\tCOMMAND")
	for _, j := range cfg.Jobs {
		ps, err := scheduler.ParseSchedule(j.Schedule)
		if err != nil {
			return fmt.Errorf("job %s: %w", j.Name, err)
		}
		name := j.Name
		if j.Disabled {
			name += " (disabled)"
		}
		fmt.Fprintf(w, "%s\t%s\t%v\n", name, ps, j.Command)
	}
	return w.Flush()
}

func runs(c *cli.Context) error {
	m := config.NewManager(configPath(c), logx.Nop())
	cfg, err := m.Load()
	if err != nil {
		return err
	}
	sc, err := cfg.StorageConfig()
	if err != nil {
		return err
	}
	st, err := storage.Open(sc, logx.Nop())
	if err != nil {
		return err
	}
	if st == nil {
		return storage.ErrDisabled
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	list, err := st.RecentRuns(ctx, c.String("job"), c.Int("limit"))
	if err != nil {
		return err
	}

	if c.Bool("json") {
		enc := json.NewEncoder(c.App.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	}
	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tJOB\tOCC\tTOOK\tQUEUED\tRESULT")
	for _, e := range list {
		result := "ok"
		if !e.OK {
			result = e.Error
			if e.Panicked {
				result = "panic: " + result
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			e.Started.Local().Format(time.DateTime),
			e.Name,
			e.Occurrence,
			time.Duration(e.TookMS)*time.Millisecond,
			time.Duration(e.QueueDelayMS)*time.Millisecond,
			result,
		)
	}
	return w.Flush()
}
