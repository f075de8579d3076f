package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/edward179/ecommerce-ETL-pipeline/internal/config"
	internal_http "github.com/edward179/ecommerce-ETL-pipeline/internal/http"
	"github.com/edward179/ecommerce-ETL-pipeline/internal/log"
	"github.com/edward179/ecommerce-ETL-pipeline/internal/notify"
	"github.com/edward179/ecommerce-ETL-pipeline/internal/pipeline"
	"github.com/edward179/ecommerce-ETL-pipeline/internal/scheduler"
	"github.com/edward179/ecommerce-ETL-pipeline/internal/shell"
	internal_storage "github.com/edward179/ecommerce-ETL-pipeline/internal/storage"
	"github.com/edward179/ecommerce-ETL-pipeline/pkg/models"
	"github.com/edward179/ecommerce-ETL-pipeline/pkg/service"
	"github.com/edward179/ecommerce-ETL-pipeline/pkg/storage"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("db", "", "Run history database: memory, postgres://... or sqlite://<path> (default DATABASE_URL)")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the workflow declaration and its next run",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(false)
			wf, err := pipeline.OrderMonitor(cfg)
			if err != nil {
				log.GetLogger().Errorf("Failed to load workflow: %v", err)
				os.Exit(1)
			}
			if err := showWorkflow(os.Stdout, wf, time.Now()); err != nil {
				log.GetLogger().Errorf("Failed to show workflow: %v", err)
				os.Exit(1)
			}
		},
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Trigger one manual run and wait for it to finish",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(true)
			logicalDate := time.Now().UTC()
			if raw, _ := cmd.Flags().GetString("date"); raw != "" {
				parsed, err := time.Parse(time.RFC3339, raw)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Error: invalid --date %q, expected RFC 3339: %v\n", raw, err)
					os.Exit(1)
				}
				logicalDate = parsed
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			svc, store := newWorkflowService(ctx, cmd, cfg)
			defer store.Close()
			defer svc.Close()

			if force, _ := cmd.Flags().GetBool("force"); !force {
				if err := checkNoActiveRuns(store, svc.Workflow()); err != nil {
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
					os.Exit(1)
				}
			}

			run, err := svc.TriggerRun(ctx, logicalDate, models.ManualRunTrigger)
			if run.ID != "" {
				printRun(os.Stdout, run)
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		},
	}
	runCmd.Flags().String("date", "", "Logical date of the run in RFC 3339 (default now)")
	runCmd.Flags().Bool("force", false, "Start even when the run history shows active runs, e.g. left over from a crash")

	schedulerCmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Run the workflow on its schedule and serve the HTTP API",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(true)
			if port, _ := cmd.Flags().GetString("port"); port != "" {
				cfg.HTTPPort = port
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := serve(ctx, cmd, cfg); err != nil {
				log.GetLogger().Errorf("Scheduler stopped: %v", err)
				os.Exit(1)
			}
		},
	}
	schedulerCmd.Flags().String("port", "", "HTTP port (default HTTP_PORT or 8080)")

	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect run history",
	}

	listRunsCmd := &cobra.Command{
		Use:   "list",
		Short: "List the most recent runs",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(false)
			limit, _ := cmd.Flags().GetInt("limit")
			store := initStore(cmd, cfg)
			defer store.Close()
			runs, err := store.ListRuns(cfg.WorkflowID, limit)
			if err != nil {
				log.GetLogger().Errorf("Failed to list runs: %v", err)
				fmt.Fprintf(os.Stderr, "Error: failed to list runs: %v\n", err)
				os.Exit(1)
			}
			listRuns(os.Stdout, runs)
		},
	}
	listRunsCmd.Flags().Int("limit", 20, "Maximum number of runs to show (0 for all)")

	getRunCmd := &cobra.Command{
		Use:   "get [id]",
		Short: "Show one run with its task instances",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(false)
			store := initStore(cmd, cfg)
			defer store.Close()
			run, err := store.GetRun(args[0])
			if err != nil {
				log.GetLogger().Errorf("Failed to get run %s: %v", args[0], err)
				fmt.Fprintf(os.Stderr, "Error: failed to get run %s: %v\n", args[0], err)
				os.Exit(1)
			}
			printRun(os.Stdout, run)
		},
	}

	runsCmd.AddCommand(listRunsCmd, getRunCmd)
	rootCmd.AddCommand(showCmd, runCmd, schedulerCmd, runsCmd)
}

// serve runs the scheduler and the HTTP API side by side until ctx is cancelled.
func serve(ctx context.Context, cmd *cobra.Command, cfg config.Config) error {
	svc, store := newWorkflowService(ctx, cmd, cfg)
	defer store.Close()
	defer svc.Close()

	sched, err := scheduler.New(svc.Workflow(), svc, log.GetLogger())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errCh <- sched.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		errCh <- internal_http.StartServer(ctx, cfg.HTTPPort, svc)
	}()

	// the first component to stop takes the other one down
	err = <-errCh
	cancel()
	wg.Wait()
	log.GetLogger().Info("Scheduler shut down")
	return err
}

func loadConfig(requirePaths bool) config.Config {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	log.Configure(cfg.LogLevel, cfg.LogFormat)
	if requirePaths {
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
	return cfg
}

// databaseURL resolves --db, then DATABASE_URL / DB_*, then an in-memory store.
func databaseURL(cmd *cobra.Command, cfg config.Config) string {
	dbConnStr, err := cmd.Flags().GetString("db")
	if err != nil {
		log.GetLogger().Errorf("Error retrieving db flag: %v", err)
		os.Exit(1)
	}
	if dbConnStr == "" {
		dbConnStr = cfg.DatabaseURL
	}
	if dbConnStr == "" {
		log.GetLogger().Warn("No database configured, run history is kept in memory only")
		dbConnStr = "memory"
	}
	return dbConnStr
}

func initStore(cmd *cobra.Command, cfg config.Config) storage.Store {
	store, err := internal_storage.InitStore(databaseURL(cmd, cfg))
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		os.Exit(1)
	}
	return store
}

func newNotifier(cfg config.Config) service.Notifier {
	if !cfg.SMTPConfigured() {
		log.GetLogger().Warn("SMTP_HOST not set, notifications are logged instead of mailed")
		return notify.NewLogNotifier(log.GetLogger())
	}
	notifier, err := notify.NewEmailNotifier(cfg.SMTP, log.GetLogger())
	if err != nil {
		log.GetLogger().Errorf("Failed to configure email notifications: %v", err)
		os.Exit(1)
	}
	return notifier
}

func newWorkflowService(ctx context.Context, cmd *cobra.Command, cfg config.Config) (*service.WorkflowService, storage.Store) {
	wf, err := pipeline.OrderMonitor(cfg)
	if err != nil {
		log.GetLogger().Errorf("Failed to load workflow: %v", err)
		os.Exit(1)
	}
	store := initStore(cmd, cfg)
	svc, err := service.NewWorkflowService(
		ctx,
		wf,
		store,
		shell.NewRunner(cfg.ShellPath, log.GetLogger()),
		newNotifier(cfg),
		log.GetLogger(),
		service.WithWorkers(cfg.Workers),
	)
	if err != nil {
		store.Close()
		log.GetLogger().Errorf("Failed to load workflow: %v", err)
		os.Exit(1)
	}
	return svc, store
}

// checkNoActiveRuns refuses a manual run while the history shows MaxActiveRuns runs in flight,
// which may belong to a scheduler in another process.
func checkNoActiveRuns(store storage.Store, wf models.Workflow) error {
	runs, err := store.ListRuns(wf.ID, 0)
	if err != nil {
		return errors.Wrap(err, "failed to check active runs")
	}
	var active []string
	for _, run := range runs {
		if !run.Status.Terminal() {
			active = append(active, run.ID)
		}
	}
	if len(active) >= wf.ActiveRunLimit() {
		return errors.Errorf("workflow '%s' already has %d active run(s) (%s); pass --force to start anyway",
			wf.ID, len(active), strings.Join(active, ", "))
	}
	return nil
}

func showWorkflow(w io.Writer, wf models.Workflow, now time.Time) error {
	next, err := scheduler.NextTick(wf, now)
	if err != nil {
		return errors.Wrap(err, "compute next run")
	}
	fmt.Fprintf(w, "Workflow: %s\n", wf.ID)
	fmt.Fprintf(w, "Schedule: %s (start %s, catchup %t, max active runs %d)\n",
		wf.Schedule, wf.StartDate.Format(time.RFC3339), wf.CatchUp, wf.ActiveRunLimit())
	fmt.Fprintf(w, "Owner: %s, retries %d every %s, email on failure %t, email on retry %t, recipients [%s]\n",
		wf.DefaultArgs.Owner, wf.DefaultArgs.Retries, wf.DefaultArgs.RetryDelay,
		wf.DefaultArgs.EmailOnFailure, wf.DefaultArgs.EmailOnRetry, strings.Join(wf.DefaultArgs.Email, ", "))
	fmt.Fprintf(w, "Tasks:\n")
	for _, task := range wf.Tasks {
		fmt.Fprintf(w, "- %s: %s\n", task.ID, shell.Script(task))
	}
	fmt.Fprintf(w, "Dependencies:\n")
	for _, edge := range wf.Edges() {
		fmt.Fprintf(w, "- %s >> %s\n", edge.Upstream, edge.Downstream)
	}
	fmt.Fprintf(w, "Next run: %s\n", next.Format(time.RFC3339))
	return nil
}

func listRuns(w io.Writer, runs []models.Run) {
	if len(runs) == 0 {
		fmt.Fprintf(w, "No runs found.\n")
		return
	}
	fmt.Fprintf(w, "Runs:\n")
	for _, run := range runs {
		fmt.Fprintf(w, "- ID: %s, Logical date: %s, Type: %s, Status: %s, Created: %s\n",
			run.ID, run.LogicalDate.Format(time.RFC3339), run.Trigger, run.Status, run.CreatedAt.Format(time.RFC3339))
	}
}

func printRun(w io.Writer, run models.Run) {
	fmt.Fprintf(w, "Run %s of '%s' (%s, logical date %s): %s\n",
		run.ID, run.WorkflowID, run.Trigger, run.LogicalDate.Format(time.RFC3339), run.Status)
	for _, ti := range run.Tasks {
		line := fmt.Sprintf("- %s: %s, attempts %d", ti.TaskID, ti.Status, ti.Attempts)
		if ti.ExitCode != nil {
			line += fmt.Sprintf(", exit code %d", *ti.ExitCode)
		}
		if ti.ErrorMsg != "" {
			line += ", " + ti.ErrorMsg
		}
		fmt.Fprintln(w, line)
	}
}
