package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/flink-mesos/pkg/config"
	"github.com/cuemby/flink-mesos/pkg/health"
	"github.com/spf13/cobra"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check the health of the framework or one of its tasks",
	Long: `Probe the framework admin API, or a running task using its group's
health check definition.

With no target flags the framework's own /health endpoint on HOST:PORT0
is checked, which makes this usable as a container health command.

Exits non-zero when the target is unhealthy.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		checker, cfg, err := probeTarget(cmd)
		if err != nil {
			return err
		}

		if retries, _ := cmd.Flags().GetInt("retries"); retries > 0 {
			cfg.Retries = retries
		}
		if interval, _ := cmd.Flags().GetDuration("interval"); interval > 0 {
			cfg.Interval = interval
		}

		ctx, cancel := context.WithTimeout(context.Background(),
			cfg.StartPeriod+time.Duration(cfg.Retries)*(cfg.Interval+cfg.Timeout))
		defer cancel()

		st := health.Probe(ctx, checker, cfg)
		if !st.Healthy {
			return fmt.Errorf("unhealthy after %d attempts: %s", st.Attempts, st.LastResult.Message)
		}
		fmt.Printf("healthy (%s, %s)\n", checker.Type(), st.LastResult.Duration)
		return nil
	},
}

func init() {
	f := probeCmd.Flags()
	f.String("url", "", "HTTP URL to check")
	f.String("tcp", "", "host:port to check with a TCP connect")
	f.String("group", "", "Task group whose health check to run")
	f.String("host", "", "Task host, with --group")
	f.String("ports", "", "Comma separated task host ports, with --group")
	f.String("config", "", "YAML configuration file, with --group")
	f.Int("retries", 0, "Attempts before giving up")
	f.Duration("interval", 0, "Time between attempts")
}

func probeTarget(cmd *cobra.Command) (health.Checker, health.Config, error) {
	f := cmd.Flags()
	cfg := health.DefaultConfig()

	if url, _ := f.GetString("url"); url != "" {
		return health.NewHTTPChecker(url).WithTimeout(cfg.Timeout), cfg, nil
	}
	if addr, _ := f.GetString("tcp"); addr != "" {
		return health.NewTCPChecker(addr).WithTimeout(cfg.Timeout), cfg, nil
	}
	if group, _ := f.GetString("group"); group != "" {
		return groupTarget(cmd, group)
	}

	host, port := os.Getenv(config.EnvHost), os.Getenv(config.EnvPort)
	if host == "" || port == "" {
		return nil, cfg, fmt.Errorf("%s and %s must be set to probe the framework", config.EnvHost, config.EnvPort)
	}
	url := "http://" + net.JoinHostPort(host, port) + "/health"
	return health.NewHTTPChecker(url).WithBody("OK").WithTimeout(cfg.Timeout), cfg, nil
}

// groupTarget runs the first non-command health check of a task group
func groupTarget(cmd *cobra.Command, group string) (health.Checker, health.Config, error) {
	host, _ := cmd.Flags().GetString("host")
	portList, _ := cmd.Flags().GetString("ports")
	if host == "" || portList == "" {
		return nil, health.Config{}, fmt.Errorf("--group requires --host and --ports")
	}
	var ports []uint64
	for _, p := range strings.Split(portList, ",") {
		n, err := strconv.ParseUint(strings.TrimSpace(p), 10, 16)
		if err != nil {
			return nil, health.Config{}, fmt.Errorf("invalid port %q: %w", p, err)
		}
		ports = append(ports, n)
	}

	opts := config.Options{}
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		file, err := config.LoadFile(path)
		if err != nil {
			return nil, health.Config{}, err
		}
		opts.File = file
	}
	fw, err := config.Load(opts)
	if err != nil {
		return nil, health.Config{}, err
	}
	g, ok := fw.Group(group)
	if !ok {
		return nil, health.Config{}, fmt.Errorf("unknown task group %q", group)
	}

	var lastErr error
	for _, hc := range g.HealthChecks() {
		checker, cfg, err := health.FromCheck(hc, host, ports)
		if err == nil {
			return checker, cfg, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("task group %q has no health checks", group)
	}
	return nil, health.Config{}, lastErr
}
