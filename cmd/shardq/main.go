package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/shardquery/shardquery/pkg/client"
	"github.com/shardquery/shardquery/pkg/log"
	"github.com/shardquery/shardquery/pkg/scheduler"
	"github.com/shardquery/shardquery/pkg/storage"
	"github.com/shardquery/shardquery/pkg/types"
	"github.com/shardquery/shardquery/pkg/worker"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "shardq",
	Short:   "shardq drives a shardquery scheduler, worker or storage engine",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("shardq version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(schedulerCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(storageCmd)
	rootCmd.AddCommand(submitCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

// --- scheduler ---

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the scheduler",
	RunE:  runScheduler,
}

func init() {
	schedulerCmd.Flags().String("client-addr", ":7000", "Address to accept client connections on")
	schedulerCmd.Flags().String("worker-addr", ":7001", "Address to accept worker connections on")
	schedulerCmd.Flags().String("policy", "fifo", "Dispatch policy: fifo or priority")
	schedulerCmd.Flags().Duration("aging-interval", 5*time.Second, "Priority aging interval (priority policy only, 0 disables)")
}

func runScheduler(cmd *cobra.Command, args []string) error {
	clientAddr, _ := cmd.Flags().GetString("client-addr")
	workerAddr, _ := cmd.Flags().GetString("worker-addr")
	policyFlag, _ := cmd.Flags().GetString("policy")
	agingInterval, _ := cmd.Flags().GetDuration("aging-interval")

	policy := types.PolicyFIFO
	if policyFlag == "priority" {
		policy = types.PolicyPriority
	}

	s := scheduler.New(scheduler.Config{Policy: policy, AgingInterval: agingInterval})
	s.Start()
	defer s.Stop()

	srv := scheduler.NewServer(clientAddr, workerAddr, s)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	return waitForSignalOrError(errCh)
}

// --- worker ---

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a query executor worker",
	RunE:  runWorker,
}

func init() {
	workerCmd.Flags().String("id", "", "Worker id reported to the scheduler (defaults to hostname-pid)")
	workerCmd.Flags().String("scheduler-addr", "localhost:7001", "Scheduler worker-facing address")
	workerCmd.Flags().String("storage-addr", "localhost:7002", "Storage engine address")
	workerCmd.Flags().Int("frames", 64, "Number of paged-memory frames")
	workerCmd.Flags().String("replacement-policy", "clock-m", "Frame replacement policy: lru or clock-m")
}

func runWorker(cmd *cobra.Command, args []string) error {
	id, _ := cmd.Flags().GetString("id")
	if id == "" {
		host, _ := os.Hostname()
		id = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	schedulerAddr, _ := cmd.Flags().GetString("scheduler-addr")
	storageAddr, _ := cmd.Flags().GetString("storage-addr")
	frames, _ := cmd.Flags().GetInt("frames")
	policyFlag, _ := cmd.Flags().GetString("replacement-policy")

	policy := worker.PolicyClockM
	if policyFlag == "lru" {
		policy = worker.PolicyLRU
	}

	w := worker.New(worker.Config{
		WorkerID:      id,
		SchedulerAddr: schedulerAddr,
		StorageAddr:   storageAddr,
		NumFrames:     frames,
		Policy:        policy,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- w.Run() }()
	err := waitForSignalOrError(errCh)
	w.Stop()
	return err
}

// --- storage ---

var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Run or inspect the storage engine",
}

var storageServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the storage engine's worker-facing server",
	RunE:  runStorageServe,
}

var storageInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print block allocation and size statistics for a data directory",
	RunE:  runStorageInfo,
}

func init() {
	storageServeCmd.Flags().String("addr", ":7002", "Address to accept worker connections on")
	storageServeCmd.Flags().String("data-dir", "./data", "Storage engine data directory")
	storageServeCmd.Flags().Bool("fresh", false, "Wipe the data directory and re-initialise it before serving")
	storageServeCmd.Flags().Uint64("fs-size", 64<<20, "Total addressable filesystem size in bytes (fresh start only)")
	storageServeCmd.Flags().Uint32("block-size", 4096, "Block size in bytes (fresh start only)")
	storageServeCmd.Flags().Duration("op-delay", 0, "Artificial per-operation delay, for exercising concurrency")
	storageServeCmd.Flags().Duration("block-delay", 0, "Artificial per-block delay, for exercising concurrency")

	storageInfoCmd.Flags().String("data-dir", "./data", "Storage engine data directory")

	storageCmd.AddCommand(storageServeCmd)
	storageCmd.AddCommand(storageInfoCmd)
}

func runStorageServe(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	fresh, _ := cmd.Flags().GetBool("fresh")
	fsSize, _ := cmd.Flags().GetUint64("fs-size")
	blockSize, _ := cmd.Flags().GetUint32("block-size")
	opDelay, _ := cmd.Flags().GetDuration("op-delay")
	blockDelay, _ := cmd.Flags().GetDuration("block-delay")

	cfg := storage.Config{
		DataDir:    dataDir,
		FSSize:     fsSize,
		BlockSize:  blockSize,
		OpDelay:    opDelay,
		BlockDelay: blockDelay,
	}

	slog := log.WithComponent("storage")
	var engine *storage.Engine
	var err error
	if fresh {
		engine, err = storage.Fresh(cfg, slog)
	} else {
		engine, err = storage.Open(cfg, slog)
	}
	if err != nil {
		return fmt.Errorf("open storage engine: %w", err)
	}
	defer engine.Close()

	srv := storage.NewServer(addr, engine, slog)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	return waitForSignalOrError(errCh)
}

func runStorageInfo(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	engine, err := storage.Open(storage.Config{DataDir: dataDir}, log.WithComponent("storage"))
	if err != nil {
		return fmt.Errorf("open storage engine: %w", err)
	}
	defer engine.Close()

	used, free, blockSize := engine.UsageStats()
	total := used + free
	fmt.Printf("data dir:    %s\n", dataDir)
	fmt.Printf("block size:  %s\n", humanize.Bytes(uint64(blockSize)))
	fmt.Printf("total space: %s (%d blocks)\n", humanize.Bytes(uint64(total)*uint64(blockSize)), total)
	fmt.Printf("used:        %s (%d blocks)\n", humanize.Bytes(uint64(used)*uint64(blockSize)), used)
	fmt.Printf("free:        %s (%d blocks)\n", humanize.Bytes(uint64(free)*uint64(blockSize)), free)
	return nil
}

// --- client ---

var submitCmd = &cobra.Command{
	Use:   "submit [script-path]",
	Short: "Submit a query script to a scheduler and stream its results",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubmit,
}

func init() {
	submitCmd.Flags().String("scheduler-addr", "localhost:7000", "Scheduler client-facing address")
	submitCmd.Flags().Int32("priority", 5, "Query priority (lower number runs first under the priority policy)")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("scheduler-addr")
	priority, _ := cmd.Flags().GetInt32("priority")

	c, err := client.Dial(addr)
	if err != nil {
		return fmt.Errorf("dial scheduler: %w", err)
	}
	defer c.Close()

	return c.Submit(args[0], priority, client.Printer(os.Stdout))
}

func waitForSignalOrError(errCh chan error) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		return nil
	}
}
