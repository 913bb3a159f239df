package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/flink-mesos/pkg/config"
	"github.com/cuemby/flink-mesos/pkg/engine"
	"github.com/cuemby/flink-mesos/pkg/framework"
	"github.com/cuemby/flink-mesos/pkg/lifecycle"
	"github.com/cuemby/flink-mesos/pkg/log"
	"github.com/cuemby/flink-mesos/pkg/types"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
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
	Use:   "flink-mesos",
	Short: "flink-mesos - Apache Flink framework scheduler for Mesos",
	Long: `flink-mesos registers with a Mesos master as a framework and keeps
a Flink cluster running on it: a group of JobManagers and a group of
TaskManagers, launched as Docker containers on offered resources.

Once registration completes it serves an admin API on HOST:PORT0.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"flink-mesos version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	addConfigFlags(runCmd)
	runCmd.Flags().String("data-dir", "./flink-mesos-data", "Data directory for framework state")
	runCmd.Flags().String("fault-policy", string(lifecycle.FaultCrash), "What an internal fault does: crash or continue")
	runCmd.Flags().String("master-url", "", "Scheduler API URL (default: http://<master>:<master-port>/api/v1/scheduler)")
	runCmd.Flags().String("grpc-health-addr", "", "Serve the gRPC health service on this address")
	runCmd.Flags().Bool("log-json", false, "Write logs as JSON")
	runCmd.Flags().Bool("dry-run", false, "Run the lifecycle against a local engine without a Mesos master")

	addConfigFlags(configCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(probeCmd)
}

// addConfigFlags registers the flags that feed config.Overrides
func addConfigFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("config", "", "YAML configuration file")
	f.String("host", "", "Admin API host (env "+config.EnvHost+")")
	f.Int("port", 0, "Admin API port (env "+config.EnvPort+")")
	f.String("master", "", "Mesos master address (env "+config.EnvMasterAddress+")")
	f.Int("master-port", 0, "Mesos master port")
	f.String("zk", "", "HA coordination endpoint (env "+config.EnvHAEndpoint+")")
	f.String("cluster-name", "", "Cluster name appended to the framework name (env "+config.EnvClusterName+")")
	f.String("image", "", "Flink Docker image (env "+config.EnvImage+")")
	f.Int("taskmanager-mem", 0, "TaskManager memory in MB (env "+config.EnvTaskManagerMem+")")
	f.String("log-level", "", "Log level: debug, info, warn, error (env "+config.EnvLogLevel+")")
	f.String("log-path", "", "Directory for the framework log file")
	f.String("role", "", "Mesos role to register with")
}

// loadFramework resolves the framework configuration from flags, the
// optional config file and the environment
func loadFramework(cmd *cobra.Command) (*types.Framework, error) {
	f := cmd.Flags()
	var o config.Overrides
	o.Host, _ = f.GetString("host")
	o.Port, _ = f.GetInt("port")
	o.MasterAddress, _ = f.GetString("master")
	o.MasterPort, _ = f.GetInt("master-port")
	o.HAEndpoint, _ = f.GetString("zk")
	o.ClusterName, _ = f.GetString("cluster-name")
	o.Image, _ = f.GetString("image")
	o.TaskManagerMem, _ = f.GetInt("taskmanager-mem")
	o.LogLevel, _ = f.GetString("log-level")
	o.LogPath, _ = f.GetString("log-path")
	o.Role, _ = f.GetString("role")

	opts := config.Options{Overrides: o}
	if path, _ := f.GetString("config"); path != "" {
		file, err := config.LoadFile(path)
		if err != nil {
			return nil, err
		}
		opts.File = file
	}
	return config.Load(opts)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Register with Mesos and run the Flink cluster",
	Long: `Run the framework scheduler.

Configuration is resolved from flags, then the --config file, then the
environment, then built-in defaults. HOST, PORT0 and ZK_URL have no
default; the command fails before contacting Mesos when one is missing.

The process exits non-zero when registration fails or, under the crash
fault policy, when an internal fault occurs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fw, err := loadFramework(cmd)
		if err != nil {
			return err
		}

		jsonOut, _ := cmd.Flags().GetBool("log-json")
		log.Init(log.Config{
			Level:      log.ParseLevel(fw.Logging.Level),
			JSONOutput: jsonOut,
			File: &log.FileTarget{
				Path:     fw.Logging.Path,
				FileName: fw.Logging.FileName,
			},
		})

		policyName, _ := cmd.Flags().GetString("fault-policy")
		policy, err := lifecycle.ParseFaultPolicy(policyName)
		if err != nil {
			return err
		}

		dataDir, _ := cmd.Flags().GetString("data-dir")
		masterURL, _ := cmd.Flags().GetString("master-url")
		grpcAddr, _ := cmd.Flags().GetString("grpc-health-addr")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		opts := framework.Options{
			DataDir:        dataDir,
			FaultPolicy:    policy,
			MasterURL:      masterURL,
			GRPCHealthAddr: grpcAddr,
			Version:        Version,
		}
		var scripted *engine.Scripted
		if dryRun {
			scripted = engine.NewScripted()
			opts.Engine = scripted
		}

		app, err := framework.New(fw, opts)
		if err != nil {
			return err
		}
		defer func() {
			if err := app.Close(); err != nil {
				log.Errorf("Failed to close framework", err)
			}
		}()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if scripted != nil {
			go driveDryRun(ctx, scripted, fw)
		}

		fmt.Printf("Starting %s\n", fw.Name)
		fmt.Printf("  Master: %s\n", fw.MasterEndpoint())
		fmt.Printf("  Admin API: %s\n", fw.Listen)
		fmt.Printf("  Data Directory: %s\n", dataDir)
		fmt.Println()

		err = app.Run(ctx)
		if err != nil {
			return err
		}
		fmt.Println("Shutting down...")
		return nil
	},
}

// driveDryRun answers the first subscription the way a master would, so
// the admin API comes up without a cluster
func driveDryRun(ctx context.Context, eng *engine.Scripted, fw *types.Framework) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if len(eng.Subscribes()) == 0 {
			continue
		}
		if err := eng.EmitSubscribed("dry-run-"+fw.Name, fw.FailoverTimeout); err != nil {
			return
		}
		if err := eng.EmitReady(); err != nil {
			log.Errorf("Dry run engine closed early", err)
		}
		return
	}
}
