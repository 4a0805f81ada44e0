package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/nativesys/internal/config"
	"github.com/breeze-rmm/nativesys/internal/executor"
	"github.com/breeze-rmm/nativesys/internal/health"
	"github.com/breeze-rmm/nativesys/internal/logging"
	"github.com/breeze-rmm/nativesys/internal/monitor"
	"github.com/breeze-rmm/nativesys/internal/process"
	"github.com/breeze-rmm/nativesys/internal/registry"
	"github.com/breeze-rmm/nativesys/internal/sysinfo"
	"github.com/breeze-rmm/nativesys/internal/workerpool"
)

var (
	version   = "0.1.0"
	cfgFile   string
	outFormat string
	logLevel  string
	showEnv   bool
	showTree  bool

	execTimeout time.Duration
	execQuiet   bool
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:           "nativesys",
	Short:         "Native host and process inspection",
	Long:          `nativesys - query host facts and live processes through a bounded pool of native handles`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Show host facts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSystem(cmd.Context(), func(ctx context.Context, env *runtimeEnv) error {
			return showHost(ctx, env)
		})
	},
}

var psCmd = &cobra.Command{
	Use:   "ps",
	Short: "List the process table",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSystem(cmd.Context(), func(ctx context.Context, env *runtimeEnv) error {
			table, err := env.reg.Table(ctx)
			if err != nil {
				return err
			}
			return render(os.Stdout, table)
		})
	},
}

var procCmd = &cobra.Command{
	Use:   "proc <pid>",
	Short: "Show one process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := parsePID(args[0])
		if err != nil {
			return err
		}
		return withSystem(cmd.Context(), func(ctx context.Context, env *runtimeEnv) error {
			return showProcess(ctx, env, pid)
		})
	},
}

var queryCmd = &cobra.Command{
	Use:   "query <piql>",
	Short: "Find processes with a PIQL expression",
	Example: `  nativesys query 'process|basename|match=sshd'
  nativesys query 'process|basename|match=httpd,process|basename|nomatch|parent=httpd'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSystem(cmd.Context(), func(ctx context.Context, env *runtimeEnv) error {
			handles, err := env.reg.Query(ctx, args[0])
			if err != nil {
				return err
			}
			reports := make([]process.Report, 0, len(handles))
			for _, h := range handles {
				reports = append(reports, h.Report(showEnv))
			}
			return render(os.Stdout, reports)
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <pid>...",
	Short: "Refresh processes periodically and report when they exit",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pids := make([]int32, 0, len(args))
		for _, a := range args {
			pid, err := parsePID(a)
			if err != nil {
				return err
			}
			pids = append(pids, pid)
		}
		return withSystem(cmd.Context(), func(ctx context.Context, env *runtimeEnv) error {
			return watchProcesses(ctx, env, pids)
		})
	},
}

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "List system services",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSystem(cmd.Context(), func(ctx context.Context, env *runtimeEnv) error {
			svcs, err := env.sys.Services(ctx)
			if err != nil {
				return err
			}
			return render(os.Stdout, svcs)
		})
	},
}

var execCmd = &cobra.Command{
	Use:   "exec <command> [args...]",
	Short: "Run a program and report its exit code",
	Example: `  nativesys exec -- uname -a
  nativesys exec --timeout 10s --quiet -- systemctl is-active sshd`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSystem(cmd.Context(), func(ctx context.Context, env *runtimeEnv) error {
			res, err := env.sys.Execute(ctx, executor.Execution{
				Command:       args[0],
				Args:          args[1:],
				Timeout:       execTimeout,
				CaptureOutput: !execQuiet,
			})
			if err != nil {
				return err
			}
			if err := render(os.Stdout, res); err != nil {
				return err
			}
			if !res.Succeeded() {
				return fmt.Errorf("%s exited with code %d", args[0], res.ExitCode)
			}
			return nil
		})
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show component health",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSystem(cmd.Context(), func(ctx context.Context, env *runtimeEnv) error {
			return render(os.Stdout, healthReport{
				Summary: env.health.Summary(),
				Checks:  env.health.All(),
				Handles: env.sys.Coordinator().Stats(),
			})
		})
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create the configuration file",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return render(os.Stdout, cfg)
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a default configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if len(args) == 1 {
			path = args[0]
		}
		written, err := config.SaveTo(config.Default(), path)
		if err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", written)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("nativesys v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/nativesys/nativesys.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outFormat, "output", "o", "text", "output format: text, json or yaml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log_level from the config")

	procCmd.Flags().BoolVar(&showEnv, "env", false, "include the environment")
	procCmd.Flags().BoolVar(&showTree, "parents", false, "also show the parent chain")
	queryCmd.Flags().BoolVar(&showEnv, "env", false, "include the environment")
	execCmd.Flags().DurationVar(&execTimeout, "timeout", executor.DefaultTimeout, "kill the program after this long")
	execCmd.Flags().BoolVarP(&execQuiet, "quiet", "q", false, "discard the program's output")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)

	rootCmd.AddCommand(hostCmd)
	rootCmd.AddCommand(psCmd)
	rootCmd.AddCommand(procCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(servicesCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

// runtimeEnv is everything a command needs, built once per invocation.
type runtimeEnv struct {
	cfg    *config.Config
	sys    *sysinfo.SystemInfo
	reg    *registry.Registry
	health *health.Monitor
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	result := cfg.ValidateTiered()
	if result.HasFatals() {
		for _, err := range result.Fatals {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
		}
		return nil, fmt.Errorf("invalid configuration")
	}
	return cfg, nil
}

func initLogging(cfg *config.Config) (io.Closer, error) {
	if cfg.LogFile == "" {
		logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stderr)
		return io.NopCloser(nil), nil
	}
	w, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, w.Tee(os.Stderr))
	return w, nil
}

func withSystem(ctx context.Context, fn func(ctx context.Context, env *runtimeEnv) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	closer, err := initLogging(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	hm := health.NewMonitor()
	sys, err := sysinfo.New(ctx, cfg, sysinfo.WithHealth(hm))
	if err != nil {
		return err
	}
	defer func() {
		if err := sys.Shutdown(); err != nil {
			log.Warn("shutdown failed", logging.KeyError, err.Error())
		}
	}()

	return fn(ctx, &runtimeEnv{
		cfg:    cfg,
		sys:    sys,
		reg:    registry.New(sys),
		health: hm,
	})
}

func parsePID(s string) (int32, error) {
	pid, err := strconv.ParseInt(s, 10, 32)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid %q", s)
	}
	return int32(pid), nil
}

func showHost(ctx context.Context, env *runtimeEnv) error {
	host, err := env.sys.Host(ctx)
	if err != nil {
		return err
	}
	rep := hostReport{Native: env.sys.IsNative(), Host: host}
	// memory, swap and adapters are unavailable in degraded mode
	if m, err := env.sys.Memory(ctx); err == nil {
		rep.Memory = &m
	}
	if s, err := env.sys.Swap(ctx); err == nil {
		rep.Swap = &s
	}
	if a, err := env.sys.NetworkAdapters(ctx); err == nil {
		rep.Adapters = a
	}
	return render(os.Stdout, rep)
}

func showProcess(ctx context.Context, env *runtimeEnv, pid int32) error {
	h, err := env.reg.Lookup(ctx, pid)
	if err != nil {
		return err
	}
	if h.State() == process.Dead {
		return fmt.Errorf("process %d: %w", pid, monitor.ErrNotRunning)
	}
	reports := []process.Report{h.Report(showEnv)}
	for cur, depth := h, 0; showTree && depth < 64; depth++ {
		parent, err := cur.Parent(ctx)
		if err != nil {
			return err
		}
		if parent == nil {
			break
		}
		reports = append(reports, parent.Report(false))
		cur = parent
	}
	if len(reports) == 1 {
		return render(os.Stdout, reports[0])
	}
	return render(os.Stdout, reports)
}

func watchProcesses(ctx context.Context, env *runtimeEnv, pids []int32) error {
	pool := workerpool.New(env.cfg.RefreshWorkers, env.cfg.RefreshQueueSize)
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pool.Shutdown(drainCtx)
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	remaining := make(chan struct{}, len(pids))
	mon := monitor.New(env.reg, pool, env.health, monitor.Options{
		Interval: env.cfg.RefreshInterval(),
		OnExit: func(h *process.Handle) {
			fmt.Printf("%s pid %d (%s) exited\n", time.Now().Format(time.RFC3339), h.PID(), h.Name())
			remaining <- struct{}{}
		},
	})

	watching := 0
	for _, pid := range pids {
		h, err := mon.Watch(ctx, pid)
		if err != nil {
			fmt.Fprintf(os.Stderr, "pid %d: %v\n", pid, err)
			continue
		}
		fmt.Printf("watching pid %d (%s)\n", pid, h.Name())
		watching++
	}
	if watching == 0 {
		return fmt.Errorf("nothing to watch")
	}

	go func() {
		for i := 0; i < watching; i++ {
			select {
			case <-remaining:
			case <-ctx.Done():
				return
			}
		}
		cancel()
	}()

	if err := mon.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	st := mon.Stats()
	log.Info("watch finished", "ticks", st.Ticks, "exits", st.Exits, "skipped", st.Skipped)
	return nil
}
