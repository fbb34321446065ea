package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"nodie/internal/config"
	"nodie/internal/credstore"
	"nodie/internal/logging"
)

var (
	// Set with -ldflags "-X main.version=...".
	version = "dev"
	commit  = "none"

	configDir string
	debug     bool
)

var rootCmd = &cobra.Command{
	Use:   "nodie",
	Short: "Nodie node: share bandwidth and earn points",
	Long: `nodie runs a network node that stays connected to the Nodie network,
measures its own link quality and accrues points for the time it is online.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configDir != "" {
			return os.Setenv(config.EnvConfigDir, configDir)
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("nodie %s (commit %s)\n", version, commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "configuration directory (default: user config dir/nodie)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(loginCmd, logoutCmd)
	rootCmd.AddCommand(startCmd, stopCmd, statusCmd)
	rootCmd.AddCommand(statsCmd, speedtestCmd, exportCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(installServiceCmd, uninstallServiceCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, cancel := signalContext()
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fatal(err)
	}
}

// env is the resolved per-invocation environment.
type env struct {
	dir      string
	cfg      config.Config
	log      *zap.Logger
	closeLog func()
}

// loadEnv reads the config. toFile additionally sends logs to the daemon
// log file.
func loadEnv(toFile bool) (*env, error) {
	dir, err := config.Dir()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(config.FilePath(dir))
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	level := cfg.LogLevel
	if debug {
		level = "debug"
	}
	logPath := ""
	if toFile {
		logPath = config.LogPath(dir)
	}
	log, closeLog, err := logging.New(level, logPath)
	if err != nil {
		return nil, err
	}
	return &env{dir: dir, cfg: cfg, log: log, closeLog: closeLog}, nil
}

func (e *env) credentials() (*credstore.Store, error) {
	return credstore.Open(config.KeyringDir(e.dir))
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()
	return ctx, cancel
}

func fatal(err error) {
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		os.Exit(130)
	}
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
