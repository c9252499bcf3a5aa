package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/docflowhq/docflow/pkg/archive"
	"github.com/docflowhq/docflow/pkg/blob"
	"github.com/docflowhq/docflow/pkg/config"
	"github.com/docflowhq/docflow/pkg/events"
	"github.com/docflowhq/docflow/pkg/health"
	"github.com/docflowhq/docflow/pkg/log"
	"github.com/docflowhq/docflow/pkg/metrics"
	"github.com/docflowhq/docflow/pkg/queue"
	"github.com/docflowhq/docflow/pkg/store"
	"github.com/docflowhq/docflow/pkg/submit"
	"github.com/docflowhq/docflow/pkg/types"
	"github.com/docflowhq/docflow/pkg/worker"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "docflow",
	Short: "Docflow - asynchronous document intelligence pipeline",
	Long: `Docflow processes uploaded documents through an asynchronous
pipeline: archive fan-out, LLM extraction with cost controls,
vectorization, and scheduled cleanup. State lives in an embedded
database; a single binary runs workers and the operator CLI.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Docflow version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(cleanupCmd)
}

// runtimeDeps is everything the subcommands share.
type runtimeDeps struct {
	cfg    *config.Config
	store  store.Store
	broker queue.Broker
}

func setup() (*runtimeDeps, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %v", err)
	}

	st, err := store.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %v", err)
	}

	broker, err := queue.NewBoltBroker(cfg.DataDir, queue.Config{
		SoftLimit: cfg.QueueSoftLimit,
		HardLimit: cfg.QueueHardLimit,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to open queue: %v", err)
	}

	return &runtimeDeps{cfg: cfg, store: st, broker: broker}, nil
}

func (d *runtimeDeps) close() {
	d.broker.Close()
	d.store.Close()
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run pipeline workers",
	Long: `Run worker slots against the stage queues.

The archive and cleanup stages are fully served by this binary. The
parse and vectorize stages require extraction and embedding backends;
embedders of this module register providers and serve those queues from
their own binary.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		queuesFlag, _ := cmd.Flags().GetString("queues")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		deps, err := setup()
		if err != nil {
			return err
		}
		defer deps.close()
		cfg := deps.cfg

		var queues []types.QueueName
		for _, q := range strings.Split(queuesFlag, ",") {
			q = strings.TrimSpace(q)
			if q == "" {
				continue
			}
			queues = append(queues, types.QueueName(q))
		}

		eventBroker := events.NewBroker()
		eventBroker.Start()
		defer eventBroker.Stop()

		w := worker.NewWorker(worker.Config{
			Queues:          queues,
			Concurrency:     cfg.WorkerConcurrency,
			PerStageTimeout: cfg.PerStageTimeout(),
			MaxRetries:      cfg.MaxRetries,
		}, deps.store, deps.broker, eventBroker)

		extractor := archive.NewExtractor(archiveLimits(cfg))
		w.Register(types.QueueArchive, worker.NewArchiveHandler(
			deps.store, deps.broker, extractor, worker.ArchiveConfig{
				DataDir:         cfg.DataDir,
				MaxArchiveBytes: cfg.MaxArchiveSizeMB * 1024 * 1024,
				TempFileTTL:     cfg.TempFileTTL(),
			}))

		objects, err := blob.NewLocalStore(cfg.StoragePath)
		if err != nil {
			return fmt.Errorf("failed to open object store: %v", err)
		}
		w.Register(types.QueueCleanup, worker.NewCleanupHandler(
			deps.store, objects, worker.CleanupConfig{DataDir: cfg.DataDir}))

		w.Start()
		defer w.Stop()

		sched := worker.NewScheduler(deps.store, deps.broker, 0)
		sched.Start()
		defer sched.Stop()

		collector := metrics.NewCollector(deps.store, deps.broker)
		collector.Start()
		defer collector.Stop()

		registry := health.NewRegistry()
		registry.Register(health.StoreCheck(deps.store))
		registry.Register(health.DataDirCheck(cfg.DataDir))
		registry.Register(health.QueueCheck(deps.broker))

		if metricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
				statuses, healthy := registry.Run()
				if !healthy {
					rw.WriteHeader(http.StatusServiceUnavailable)
				}
				json.NewEncoder(rw).Encode(statuses)
			})
			go func() {
				if err := http.ListenAndServe(metricsAddr, mux); err != nil {
					log.Errorf("metrics server stopped", err)
				}
			}()
			fmt.Printf("Metrics listening on %s\n", metricsAddr)
		}

		fmt.Printf("Workers running (%d slots). Press Ctrl+C to stop.\n", cfg.WorkerConcurrency)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		fmt.Println("\nShutting down...")
		return nil
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit <file-url> [file-url...]",
	Short: "Submit documents for processing",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		vectorize, _ := cmd.Flags().GetBool("vectorize")
		costLimit, _ := cmd.Flags().GetFloat64("max-cost")
		mode, _ := cmd.Flags().GetString("mode")

		deps, err := setup()
		if err != nil {
			return err
		}
		defer deps.close()

		opts := submit.Options{
			EnableVectorization: &vectorize,
			ExtractionMode:      types.ExtractionMode(mode),
		}
		if costLimit > 0 {
			opts.MaxCostLimitUSD = &costLimit
		}

		svc := submit.NewService(deps.store, deps.broker, nil)
		tasks, err := svc.Submit(submit.Request{
			UserID:   userID,
			FileURLs: args,
			Options:  &opts,
		})
		if err != nil {
			return err
		}

		for _, task := range tasks {
			fmt.Printf("Task submitted: %s (%s)\n", task.ID, task.Type)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		deps, err := setup()
		if err != nil {
			return err
		}
		defer deps.close()

		task, err := deps.store.GetTask(args[0])
		if err != nil {
			return err
		}
		return printJSON(task)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List a user's tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		status, _ := cmd.Flags().GetString("status")
		page, _ := cmd.Flags().GetInt("page")
		size, _ := cmd.Flags().GetInt("size")

		deps, err := setup()
		if err != nil {
			return err
		}
		defer deps.close()

		tasks, total, err := deps.store.ListTasksByUser(userID, store.TaskFilter{
			Status: types.TaskStatus(status),
		}, page, size)
		if err != nil {
			return err
		}

		fmt.Printf("%d tasks (showing %d)\n", total, len(tasks))
		for _, t := range tasks {
			fmt.Printf("  %s  %-10s %-10s %s\n", t.ID, t.Type, t.Status, t.OriginalFilename)
		}
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a non-terminal task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		deps, err := setup()
		if err != nil {
			return err
		}
		defer deps.close()

		svc := submit.NewService(deps.store, deps.broker, nil)
		task, err := svc.Cancel(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Task %s cancelled\n", task.ID)
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Schedule an expired-file sweep",
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		deps, err := setup()
		if err != nil {
			return err
		}
		defer deps.close()

		task := &types.Task{
			UserID: "operator",
			Type:   types.TaskTypeCleanup,
			Status: types.TaskStatusPending,
		}
		if err := deps.store.CreateTask(task); err != nil {
			return err
		}

		cleanupArgs, err := json.Marshal(types.CleanupArgs{
			Mode:   types.CleanupModeExpired,
			DryRun: dryRun,
		})
		if err != nil {
			return err
		}
		if err := deps.broker.Enqueue(types.QueueCleanup, types.Message{
			TaskID: task.ID,
			Args:   cleanupArgs,
		}); err != nil {
			return err
		}

		fmt.Printf("Cleanup task scheduled: %s\n", task.ID)
		return nil
	},
}

func archiveLimits(cfg *config.Config) archive.Limits {
	limits := archive.DefaultLimits()
	limits.MaxFiles = cfg.MaxExtractionFiles
	limits.MaxFileBytes = cfg.MaxFileSizeMB * 1024 * 1024
	return limits
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func init() {
	workerCmd.Flags().String("queues", "archive,cleanup", "comma-separated queues to serve")
	workerCmd.Flags().String("metrics-addr", "", "address for /metrics and /healthz (empty disables)")

	submitCmd.Flags().String("user", "operator", "user ID to submit as")
	submitCmd.Flags().Bool("vectorize", true, "enable vectorization after parsing")
	submitCmd.Flags().Float64("max-cost", 0, "per-task cost limit in USD (0 = default)")
	submitCmd.Flags().String("mode", "structured", "extraction mode: structured, summary, full_text, custom")

	listCmd.Flags().String("user", "operator", "user ID to list")
	listCmd.Flags().String("status", "", "filter by status")
	listCmd.Flags().Int("page", 1, "page number")
	listCmd.Flags().Int("size", 20, "page size")

	cleanupCmd.Flags().Bool("dry-run", false, "report without deleting")
}
