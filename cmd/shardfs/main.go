package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/valkyriedata/shardfs/config"
	"github.com/valkyriedata/shardfs/internal/util"
	"github.com/valkyriedata/shardfs/server"
)

var (
	cfgFile   string
	verbose   int
	cacheSize string
	cfg       = config.NewDefault()
)

var rootCmd = &cobra.Command{
	Use:   "shardfs",
	Short: "Mount an S3 bucket as a read-only filesystem with predictive prefetch",
	Long: `shardfs presents a remote object store as a local read-only filesystem,
tuned for sequential high-throughput training workloads. Shard N is served
from a chunked in-memory cache while shards N+1..N+k transfer in the
background, driven by a manifest or a sequential-naming heuristic.`,
	SilenceUsage:  false,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	f := rootCmd.Flags()

	f.StringVar(&cfg.MountPoint, "mount", "", "Mount point for the filesystem (required)")
	f.StringVar(&cfg.Bucket, "bucket", "", "S3 bucket name (required)")
	f.StringVar(&cfg.Region, "region", "", "AWS region, e.g. us-west-2 (required)")
	f.StringVar(&cfg.S3Prefix, "s3-prefix", "", "S3 key prefix")
	f.StringVar(&cacheSize, "cache-size", "", "Cache size with K/M/G suffix, e.g. 16G, 512M (default 16G)")
	f.IntVar(&cfg.Workers, "workers", config.DefaultWorkers, "Number of transfer workers (1-128)")
	f.IntVar(&cfg.Lookahead, "lookahead", config.DefaultLookahead, "Prefetch lookahead count (1-256)")
	f.StringVar(&cfg.ManifestPath, "manifest", "", "File listing S3 keys in expected access order")
	f.IntVar(&cfg.MetricsPort, "metrics-port", config.DefaultMetricsPort, "Prometheus metrics port (1024-65535)")
	f.BoolVar(&cfg.EnableTracing, "enable-tracing", false, "Enable performance tracing")
	f.StringVar(&cfg.TraceOutput, "trace-output", "trace.json", "Trace output file")
	f.StringVar(&cfg.Endpoint, "endpoint", "", "Custom S3 endpoint (for S3-compatible stores)")
	f.BoolVar(&cfg.ForcePathStyle, "force-path-style", false, "Use path-style S3 addressing (MinIO, Localstack)")
	f.StringVar(&cfgFile, "config", "", "Optional YAML/JSON config file")
	f.IntVarP(&verbose, "verbose", "v", 3, "Log verbosity between 1 (error) and 5 (trace)")
}

func run(cmd *cobra.Command, args []string) error {
	// flag < file < flag precedence is deliberate: the file fills gaps,
	// flags the operator typed win
	if cfgFile != "" {
		override, err := config.LoadOverrideFile(cfgFile)
		if err != nil {
			return fmt.Errorf("config file: %w", err)
		}
		fileCfg := config.NewDefault()
		if err := fileCfg.Merge(override); err != nil {
			return fmt.Errorf("config file: %w", err)
		}
		applyUnsetFlags(cmd, fileCfg)
	}

	if cacheSize != "" {
		size, err := config.ParseSize(cacheSize)
		if err != nil {
			return err
		}
		cfg.CacheSize = size
	}

	if verbose < 1 {
		verbose = 1
	}
	if verbose > 5 {
		verbose = 5
	}
	logLvls := [5]util.LogLevel{util.ErrorLevel, util.WarnLevel, util.InfoLevel, util.DebugLevel, util.TraceLevel}
	cfg.LogLvl = logLvls[verbose-1]

	if err := cfg.Validate(); err != nil {
		return err
	}

	util.InitializeLogger(cfg.LogLvl)
	logger := util.GetLogger("main")
	logger.Info().
		Str("mount", cfg.MountPoint).
		Str("bucket", cfg.Bucket).
		Str("region", cfg.Region).
		Msg("shardfs initializing")

	ctx := context.Background()
	srv, err := server.New(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to build server")
		return err
	}
	if err := srv.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to start")
		return err
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-signalChan
	logger.Info().Str("signal", sig.String()).Msg("Received signal, unmounting")

	srv.Shutdown()
	return nil
}

// applyUnsetFlags copies file-provided values into cfg for every flag the
// operator did not set on the command line.
func applyUnsetFlags(cmd *cobra.Command, fileCfg *config.Config) {
	set := func(name string) bool { return cmd.Flags().Changed(name) }

	if !set("bucket") {
		cfg.Bucket = fileCfg.Bucket
	}
	if !set("region") {
		cfg.Region = fileCfg.Region
	}
	if !set("s3-prefix") {
		cfg.S3Prefix = fileCfg.S3Prefix
	}
	if !set("endpoint") {
		cfg.Endpoint = fileCfg.Endpoint
	}
	if !set("force-path-style") {
		cfg.ForcePathStyle = fileCfg.ForcePathStyle
	}
	if !set("cache-size") {
		cfg.CacheSize = fileCfg.CacheSize
	}
	if !set("workers") {
		cfg.Workers = fileCfg.Workers
	}
	if !set("lookahead") {
		cfg.Lookahead = fileCfg.Lookahead
	}
	if !set("manifest") {
		cfg.ManifestPath = fileCfg.ManifestPath
	}
	if !set("metrics-port") {
		cfg.MetricsPort = fileCfg.MetricsPort
	}
	if !set("enable-tracing") {
		cfg.EnableTracing = fileCfg.EnableTracing
	}
	if !set("trace-output") {
		cfg.TraceOutput = fileCfg.TraceOutput
	}
	cfg.ChunkSize = fileCfg.ChunkSize
	cfg.AttrTimeout = fileCfg.AttrTimeout
	cfg.EntryTimeout = fileCfg.EntryTimeout
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
