package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/dossier/pkg/job"
	"github.com/cuemby/dossier/pkg/jobmanager"
	"github.com/cuemby/dossier/pkg/log"
	"github.com/cuemby/dossier/pkg/metrics"
	"github.com/cuemby/dossier/pkg/store"
	"github.com/cuemby/dossier/pkg/worker"
)

// Version information (set via ldflags during build)
var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "dossier",
	Short:   "dossier - persistent object graph and job framework",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("dossier version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("data-dir", "./dossier-data", "Backend data directory")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(statsCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

func openManager(cmd *cobra.Command) (*jobmanager.Manager, *store.Backend, error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	backend, err := store.Open(dataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("opening backend: %w", err)
	}
	return jobmanager.New(backend), backend, nil
}

// Worker commands

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Worker operations",
}

var workerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll the backend for claimable jobs and run them until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, backend, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer backend.Close()

		interval, _ := cmd.Flags().GetDuration("poll-interval")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		w := worker.New(m, worker.WithPollingInterval(interval))

		metrics.RegisterComponent("backend", true, "ready")

		if metricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.Handle("/health", metrics.HealthHandler())
			mux.Handle("/ready", metrics.ReadyHandler())
			mux.Handle("/live", metrics.LivenessHandler())
			go func() {
				if err := http.ListenAndServe(metricsAddr, mux); err != nil {
					fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
				}
			}()
			fmt.Printf("✓ Metrics endpoint: http://%s/metrics\n", metricsAddr)
			fmt.Printf("✓ Health endpoints: http://%s/{health,ready,live}\n", metricsAddr)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		done := make(chan struct{})
		go func() {
			defer close(done)
			w.Run(ctx)
		}()

		fmt.Println("Worker running. Press Ctrl+C to stop.")
		<-sigCh
		fmt.Println("\nShutting down, waiting for in-flight job...")
		cancel()

		select {
		case <-w.IdleSignal():
		case <-time.After(30 * time.Second):
		}
		<-done
		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func init() {
	workerCmd.AddCommand(workerRunCmd)
	workerRunCmd.Flags().Duration("poll-interval", worker.DefaultPollingInterval, "Interval between Request polls when idle")
	workerRunCmd.Flags().String("metrics-addr", "", "If set, serve Prometheus metrics on this address (e.g. 127.0.0.1:9090)")
}

// Job commands

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Job operations",
}

var jobSubmitCmd = &cobra.Command{
	Use:   "submit FUNC",
	Short: "Submit a new leaf job bound to the backend, in state PENDING",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		funcName := args[0]
		argsJSON, _ := cmd.Flags().GetString("args")
		kwargsJSON, _ := cmd.Flags().GetString("kwargs")

		var jobArgs []any
		if argsJSON != "" {
			if err := json.Unmarshal([]byte(argsJSON), &jobArgs); err != nil {
				return fmt.Errorf("parsing --args: %w", err)
			}
		}
		var jobKwargs map[string]any
		if kwargsJSON != "" {
			if err := json.Unmarshal([]byte(kwargsJSON), &jobKwargs); err != nil {
				return fmt.Errorf("parsing --kwargs: %w", err)
			}
		}

		m, backend, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer backend.Close()

		j, err := job.New(funcName, jobArgs, jobKwargs)
		if err != nil {
			return fmt.Errorf("building job: %w", err)
		}
		if err := m.Bind(j.Record()); err != nil {
			return fmt.Errorf("submitting job: %w", err)
		}

		fmt.Printf("✓ Job submitted: %s\n", j.GID())
		fmt.Printf("  func: %s\n", funcName)
		fmt.Printf("  state: %s\n", j.State())
		return nil
	},
}

func init() {
	jobCmd.AddCommand(jobSubmitCmd)
	jobSubmitCmd.Flags().String("args", "", "Positional arguments as a JSON array, e.g. '[1, 2]'")
	jobSubmitCmd.Flags().String("kwargs", "", "Keyword arguments as a JSON object, e.g. '{\"n\": 3}'")
}

// Stats command

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize job counts by state",
	RunE: func(cmd *cobra.Command, args []string) error {
		m, backend, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer backend.Close()

		it, err := m.JobIter()
		if err != nil {
			return fmt.Errorf("iterating jobs: %w", err)
		}
		defer it.Close()

		counts := map[job.State]int{}
		total := 0
		for it.Next() {
			rec := it.Record()
			counts[job.Wrap(rec).State()]++
			total++
		}

		if total == 0 {
			fmt.Println("No jobs found")
			return nil
		}

		fmt.Printf("%-10s %s\n", "STATE", "COUNT")
		for _, s := range []job.State{job.StateNew, job.StatePending, job.StateRunning, job.StateWaiting, job.StateDone, job.StateError} {
			if counts[s] == 0 {
				continue
			}
			fmt.Printf("%-10s %d\n", s, counts[s])
		}
		fmt.Printf("\nTotal: %d\n", total)
		return nil
	},
}
