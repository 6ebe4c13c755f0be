package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/rossigee/cms-deployer/internal/app"
	"github.com/rossigee/cms-deployer/internal/config"
	"github.com/rossigee/cms-deployer/internal/storage"
	"github.com/rossigee/cms-deployer/internal/worker"
)

const (
	exitRuntime = 1
	exitStartup = 2
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdout, os.Stderr).RunContext(ctx, os.Args); err != nil {
		// Exit codes are handled by urfave/cli; anything reaching here is a usage error.
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitStartup)
	}
}

func newApp(stdout, stderr io.Writer) *cli.App {
	return &cli.App{
		Name:      "deploy-worker",
		Usage:     "claim queued frontend deploy jobs and run their release scripts",
		Version:   version,
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "optional config file (env, yaml or toml)",
				EnvVars: []string{"DEPLOYER_CONFIG"},
			},
			&cli.IntFlag{
				Name:  "max-jobs",
				Value: worker.DefaultMaxJobs,
				Usage: fmt.Sprintf("jobs to process in this pass (%d-%d)", worker.MinMaxJobs, worker.MaxMaxJobs),
			},
			&cli.IntFlag{
				Name:  "stale-minutes",
				Value: storage.DefaultStaleMinutes,
				Usage: fmt.Sprintf("fail running jobs older than this (%d-%d)", storage.MinStaleMinutes, storage.MaxStaleMinutes),
			},
			&cli.StringFlag{
				Name:  "site-root",
				Usage: "only claim jobs for this allow-listed site root",
			},
		},
		Action: func(c *cli.Context) error {
			return run(c, stdout, stderr)
		},
	}
}

func startupFailure(stderr io.Writer, msg string) error {
	fmt.Fprintln(stderr, "[worker] "+msg)
	return cli.Exit("", exitStartup)
}

func run(c *cli.Context, stdout, stderr io.Writer) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return startupFailure(stderr, "Configuration error: "+err.Error())
	}
	if err := config.ConfigureLogging(cfg.LogLevel, cfg.LogFormat); err != nil {
		return startupFailure(stderr, "Configuration error: "+err.Error())
	}
	logrus.SetOutput(stderr)

	ctx := c.Context
	a, err := app.Open(ctx, cfg)
	if err != nil {
		logrus.WithError(err).Error("Failed to open database")
		return startupFailure(stderr, "Database unavailable.")
	}
	defer a.Close()

	w := worker.New(a.Store, a.Deploy, a.Metrics, stdout)
	summary, err := w.Run(ctx, worker.Options{
		MaxJobs:      c.Int("max-jobs"),
		StaleMinutes: c.Int("stale-minutes"),
		SiteRoot:     c.String("site-root"),
	})

	var startup *worker.StartupError
	if errors.As(err, &startup) {
		if startup.Err != nil {
			logrus.WithError(startup.Err).Error("Worker startup failed")
		}
		return startupFailure(stderr, startup.Message)
	}

	pushMetrics(cfg, a, summary)

	if err != nil {
		logrus.WithError(err).Error("Worker pass aborted")
		return cli.Exit("[worker] Aborted: "+err.Error(), exitRuntime)
	}
	return nil
}

func pushMetrics(cfg *config.Config, a *app.App, summary *worker.Summary) {
	if cfg.PushgatewayURL == "" {
		return
	}
	grouping := map[string]string{}
	if host, err := os.Hostname(); err == nil {
		grouping["instance"] = host
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Metrics.Push(ctx, cfg.PushgatewayURL, "cms_deploy_worker", grouping); err != nil {
		logrus.WithError(err).Warn("Failed to push worker metrics")
		return
	}
	if summary != nil {
		logrus.WithField("run_id", summary.RunID).Debug("Pushed worker metrics")
	}
}
