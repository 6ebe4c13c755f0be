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

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/rossigee/cms-deployer/internal/app"
	"github.com/rossigee/cms-deployer/internal/audit"
	"github.com/rossigee/cms-deployer/internal/config"
	"github.com/rossigee/cms-deployer/internal/deploy"
	"github.com/rossigee/cms-deployer/internal/migrate"
	"github.com/rossigee/cms-deployer/internal/schema"
	"github.com/rossigee/cms-deployer/internal/site"
	"github.com/rossigee/cms-deployer/internal/storage"
	"github.com/rossigee/cms-deployer/pkg/types"
)

const exitConfig = 2

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdout, os.Stderr).RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newApp(stdout, stderr io.Writer) *cli.App {
	siteRootFlag := &cli.StringFlag{
		Name:    "site-root",
		Usage:   "site root (detected from CMS_SITE_ROOT, the binary location or the working directory when omitted)",
		EnvVars: []string{"CMS_SITE_ROOT"},
	}
	masterFlag := &cli.StringFlag{
		Name:     "master",
		Usage:    "config file describing the master (source) database",
		Required: true,
		EnvVars:  []string{"MASTER_DB_CONFIG"},
	}
	prefixFlag := &cli.StringFlag{
		Name:  "prefix",
		Value: schema.DefaultCoveragePrefix,
		Usage: "only consider source tables with this prefix",
	}

	return &cli.App{
		Name:      "deployctl",
		Usage:     "operate the CMS deploy queue, migrations and schema sync",
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
			&cli.Int64Flag{
				Name:  "user-id",
				Usage: "CMS user id recorded as the requester",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "jobs",
				Usage: "Deploy job queue",
				Subcommands: []*cli.Command{
					{
						Name:   "init-schema",
						Usage:  "Create the job queue table",
						Action: withApp(initSchemaAction),
					},
					{
						Name:   "enqueue",
						Usage:  "Queue a frontend deploy",
						Flags:  []cli.Flag{siteRootFlag},
						Action: withApp(enqueueAction),
					},
					{
						Name:  "list",
						Usage: "Show recent jobs for a site",
						Flags: []cli.Flag{
							siteRootFlag,
							&cli.IntFlag{Name: "limit", Value: storage.DefaultListLimit},
							&cli.StringFlag{Name: "job-type", Usage: "frontend_deploy or backend_deploy"},
						},
						Action: withApp(listJobsAction),
					},
					{
						Name:      "show",
						Usage:     "Show one job with its output",
						ArgsUsage: "JOB_ID",
						Action:    withApp(showJobAction),
					},
				},
			},
			{
				Name:  "deploy",
				Usage: "Run releases immediately",
				Subcommands: []*cli.Command{
					{
						Name:  "run",
						Usage: "Run a frontend release or backend update now",
						Flags: []cli.Flag{
							siteRootFlag,
							&cli.StringFlag{Name: "type", Value: "frontend", Usage: "frontend or backend"},
						},
						Action: withApp(deployRunAction),
					},
					{
						Name:   "check",
						Usage:  "Run the release script in check mode",
						Flags:  []cli.Flag{siteRootFlag},
						Action: withApp(deployCheckAction),
					},
				},
			},
			{
				Name:  "site",
				Usage: "Site root helpers",
				Subcommands: []*cli.Command{
					{
						Name:   "detect",
						Usage:  "Print the detected site root",
						Flags:  []cli.Flag{siteRootFlag},
						Action: detectAction,
					},
				},
			},
			{
				Name:  "migrate",
				Usage: "Versioned SQL migrations",
				Subcommands: []*cli.Command{
					{Name: "status", Usage: "List migrations and their state", Action: withApp(migrateStatusAction)},
					{Name: "next", Usage: "Apply the next pending migration", Action: withApp(migrateNextAction)},
					{Name: "all", Usage: "Apply every pending migration, stopping at the first failure", Action: withApp(migrateAllAction)},
					{Name: "run", Usage: "Apply one named migration", ArgsUsage: "FILE", Action: withApp(migrateRunAction)},
				},
			},
			{
				Name:  "schema",
				Usage: "Additive schema sync from a master database",
				Subcommands: []*cli.Command{
					{Name: "coverage", Usage: "Report master tables present in the target", Flags: []cli.Flag{masterFlag, prefixFlag}, Action: withApp(schemaCoverageAction)},
					{Name: "plan", Usage: "Preview the operations a sync would apply", Flags: []cli.Flag{masterFlag, prefixFlag}, Action: withApp(schemaPlanAction)},
					{Name: "apply", Usage: "Apply missing tables, columns and foreign keys", Flags: []cli.Flag{masterFlag, prefixFlag}, Action: withApp(schemaApplyAction)},
				},
			},
		},
	}
}

type appAction func(c *cli.Context, a *app.App) error

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, cli.Exit("Configuration error: "+err.Error(), exitConfig)
	}
	if err := config.ConfigureLogging(cfg.LogLevel, cfg.LogFormat); err != nil {
		return nil, cli.Exit("Configuration error: "+err.Error(), exitConfig)
	}
	logrus.SetOutput(c.App.ErrWriter)
	return cfg, nil
}

func withApp(fn appAction) cli.ActionFunc {
	return func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		a, err := app.Open(c.Context, cfg)
		if err != nil {
			return cli.Exit("Database unavailable: "+err.Error(), exitConfig)
		}
		defer a.Close()
		return fn(c, a)
	}
}

func printJSON(c *cli.Context, v interface{}) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func caller(c *cli.Context) deploy.Caller {
	actor := audit.Actor{UserAgent: "deployctl"}
	if id := c.Int64("user-id"); id > 0 {
		actor.UserID = &id
	}
	return deploy.Caller{Actor: actor}
}

// resolveSiteRoot returns the flag value, or the first detected allowed root.
func resolveSiteRoot(c *cli.Context, validator *site.Validator) (string, error) {
	explicit := c.String("site-root")
	root, ok := site.NewResolver(validator, site.DefaultProviders(explicit)...).Resolve()
	if ok {
		return root, nil
	}
	if explicit != "" {
		return "", cli.Exit("Site root is not allowed: "+explicit, exitConfig)
	}
	return "", cli.Exit("Unable to detect a site root; pass --site-root", exitConfig)
}

func detectAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	root, err := resolveSiteRoot(c, site.NewValidator(cfg.SiteBaseDir))
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, root)
	return nil
}

func initSchemaAction(c *cli.Context, a *app.App) error {
	if err := a.Store.EnsureSchema(c.Context); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Table %s is ready.\n", storage.JobsTable)
	return nil
}

func enqueueAction(c *cli.Context, a *app.App) error {
	root, err := resolveSiteRoot(c, a.Validator)
	if err != nil {
		return err
	}
	id, err := a.Deploy.Enqueue(c.Context, root, caller(c))
	if err != nil {
		return err
	}
	return printJSON(c, types.EnqueueResponse{JobID: id, Status: types.StatusQueued})
}

func listJobsAction(c *cli.Context, a *app.App) error {
	root, err := resolveSiteRoot(c, a.Validator)
	if err != nil {
		return err
	}
	filter := storage.ListJobsFilter{SiteRoot: root, Limit: c.Int("limit")}
	if t := c.String("job-type"); t != "" {
		filter.JobType = types.JobType(t)
		if !filter.JobType.Valid() {
			return cli.Exit("Unknown job type: "+t, exitConfig)
		}
	}

	jobs, err := a.Store.ListJobs(c.Context, filter)
	if err != nil {
		return err
	}
	resp := types.JobListResponse{SiteRoot: root, Jobs: make([]types.JobResponse, 0, len(jobs))}
	for i := range jobs {
		r := jobs[i].Response()
		r.Output = ""
		resp.Jobs = append(resp.Jobs, r)
	}
	return printJSON(c, resp)
}

func showJobAction(c *cli.Context, a *app.App) error {
	var id int64
	if _, err := fmt.Sscanf(c.Args().First(), "%d", &id); err != nil || id <= 0 {
		return cli.Exit("JOB_ID must be a positive integer", exitConfig)
	}
	job, err := a.Store.GetJob(c.Context, id)
	if errors.Is(err, storage.ErrJobNotFound) {
		return cli.Exit(err.Error(), 1)
	}
	if err != nil {
		return err
	}
	return printJSON(c, job.Response())
}

func deployRunAction(c *cli.Context, a *app.App) error {
	root, err := resolveSiteRoot(c, a.Validator)
	if err != nil {
		return err
	}

	var jobType types.JobType
	switch c.String("type") {
	case "frontend":
		jobType = types.JobTypeFrontendDeploy
	case "backend":
		jobType = types.JobTypeBackendDeploy
	default:
		return cli.Exit("--type must be frontend or backend", exitConfig)
	}

	out, err := a.Deploy.RunNow(c.Context, root, jobType, caller(c))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Job #%d finished with status=%s exit=%d\n", out.JobID, out.Status, out.ExitCode)
	if out.Output != "" {
		fmt.Fprintln(c.App.Writer, out.Output)
	}
	if out.Status != types.StatusSuccess {
		return cli.Exit("", out.ExitCode)
	}
	return nil
}

func deployCheckAction(c *cli.Context, a *app.App) error {
	root, err := resolveSiteRoot(c, a.Validator)
	if err != nil {
		return err
	}
	res, err := a.Deploy.Check(c.Context, root, caller(c))
	if err != nil {
		return err
	}
	if res.Output != "" {
		fmt.Fprintln(c.App.Writer, res.Output)
	}
	if !res.Succeeded() {
		return cli.Exit("", res.ExitCode)
	}
	return nil
}

func migrateStatusAction(c *cli.Context, a *app.App) error {
	m := a.Migrator()
	st, err := m.Status(c.Context)
	if err != nil {
		return err
	}
	for _, f := range st.Files {
		state := "pending"
		if f.Record != nil {
			state = "applied " + f.Record.AppliedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(c.App.Writer, "%-50s %s\n", f.Name, state)
	}
	fmt.Fprintf(c.App.Writer, "%d pending in %s\n", st.Pending, m.Dir())
	return nil
}

func migrateNextAction(c *cli.Context, a *app.App) error {
	res, err := a.Migrator().RunNext(c.Context)
	if err != nil {
		return err
	}
	if res == nil {
		fmt.Fprintln(c.App.Writer, "No pending migrations.")
		return nil
	}
	fmt.Fprintf(c.App.Writer, "Applied %s (%d statements).\n", res.File, res.Statements)
	return nil
}

func migrateAllAction(c *cli.Context, a *app.App) error {
	results, err := a.Migrator().RunAll(c.Context)
	for _, r := range results {
		fmt.Fprintf(c.App.Writer, "Applied %s (%d statements).\n", r.File, r.Statements)
	}
	if err != nil {
		var batch *migrate.BatchError
		if errors.As(err, &batch) {
			return cli.Exit(fmt.Sprintf("Stopped after %d migration(s): %v", batch.Applied, batch), 1)
		}
		return err
	}
	fmt.Fprintf(c.App.Writer, "Applied %d migration(s).\n", len(results))
	return nil
}

func migrateRunAction(c *cli.Context, a *app.App) error {
	name := c.Args().First()
	res, already, err := a.Migrator().RunOne(c.Context, name)
	if err != nil {
		return err
	}
	if already {
		fmt.Fprintf(c.App.Writer, "%s was already applied.\n", name)
		return nil
	}
	fmt.Fprintf(c.App.Writer, "Applied %s (%d statements).\n", res.File, res.Statements)
	return nil
}

func withSyncer(c *cli.Context, a *app.App, fn func(s *schema.Syncer) error) error {
	syncer, closeFn, err := a.OpenSyncer(c.Context, c.String("master"))
	if err != nil {
		if errors.Is(err, config.ErrIncomplete) {
			return cli.Exit("Master database configuration error: "+err.Error(), exitConfig)
		}
		return err
	}
	defer closeFn()
	return fn(syncer)
}

func schemaCoverageAction(c *cli.Context, a *app.App) error {
	return withSyncer(c, a, func(s *schema.Syncer) error {
		cov, err := s.Coverage(c.Context, c.String("prefix"))
		if err != nil {
			return err
		}
		return printJSON(c, cov)
	})
}

func schemaPlanAction(c *cli.Context, a *app.App) error {
	return withSyncer(c, a, func(s *schema.Syncer) error {
		plan, err := s.Plan(c.Context, c.String("prefix"))
		if err != nil {
			return err
		}
		return printJSON(c, plan)
	})
}

func schemaApplyAction(c *cli.Context, a *app.App) error {
	return withSyncer(c, a, func(s *schema.Syncer) error {
		plan, applied, err := s.Sync(c.Context, c.String("prefix"))
		body := map[string]interface{}{"applied": applied}
		if plan != nil {
			body["summary"] = plan.Summary
		}
		if printErr := printJSON(c, body); printErr != nil {
			return printErr
		}
		return err
	})
}
