package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"nodie/internal/api"
	"nodie/internal/config"
	"nodie/internal/control"
	"nodie/internal/credstore"
	"nodie/internal/execx"
	"nodie/internal/ledger"
	"nodie/internal/metrics"
	"nodie/internal/model"
	"nodie/internal/node"
	"nodie/internal/probe"
	"nodie/internal/store"
	"nodie/internal/sysstat"
)

const stunTimeout = 3 * time.Second

var (
	foreground    bool
	statusVerbose bool
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the node",
	Long:  `Start the node in the background, or in the foreground with --foreground (used by OS services).`,
	RunE:  runStart,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running node",
	RunE:  runStop,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show node status",
	RunE:  runStatus,
}

func init() {
	startCmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "run in the foreground")
	statusCmd.Flags().BoolVarP(&statusVerbose, "verbose", "v", false, "show the last probe sample and error")
}

func runStart(cmd *cobra.Command, args []string) error {
	if foreground {
		return runDaemon(cmd.Context())
	}

	e, err := loadEnv(false)
	if err != nil {
		return err
	}
	defer e.closeLog()
	dir := e.dir

	if pid, err := store.RunningPID(config.PIDPath(dir)); err == nil {
		fmt.Printf("Node already running (pid %d)\n", pid)
		return nil
	}
	credStore, err := e.credentials()
	if err != nil {
		return err
	}
	if _, err := credStore.Get(); err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			return errors.New("not logged in: run 'nodie login' first")
		}
		return err
	}

	exe, err := os.Executable()
	if err != nil {
		return err
	}
	childArgs := []string{"start", "--foreground", "--config-dir", dir}
	if debug {
		childArgs = append(childArgs, "--debug")
	}
	outPath := filepath.Join(filepath.Dir(config.LogPath(dir)), "nodie.out.log")
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return err
	}
	pid, err := execx.StartDetached(exe, childArgs, outPath)
	if err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), startSettleTimeout+e.cfg.RequestTimeout())
	defer cancel()
	client := control.NewClient(e.cfg.ControlAddr)
	snap, err := waitSettled(ctx, client.Status, func() bool { return store.Alive(pid) }, settlePoll)
	if err != nil {
		fmt.Printf("Logs: %s\n", outPath)
		return err
	}
	fmt.Printf("Node started in background (pid %d): %s\n", pid, snap.State)
	if snap.LastError != "" {
		fmt.Printf("Last error: %s\n", snap.LastError)
	}
	fmt.Printf("Logs: %s\n", config.LogPath(dir))
	return nil
}

const (
	startSettleTimeout = 30 * time.Second
	settlePoll         = 250 * time.Millisecond
)

// waitSettled polls a freshly spawned daemon until its first login has
// an outcome. Connected and Reconnecting count as started; Stopped, or
// the process exiting before it answers, is a failed start.
func waitSettled(ctx context.Context, status func(context.Context) (model.StatusSnapshot, error), alive func() bool, every time.Duration) (model.StatusSnapshot, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	var last model.StatusSnapshot
	for {
		snap, err := status(ctx)
		switch {
		case err == nil:
			last = snap
			switch snap.State {
			case model.StateConnected, model.StateReconnecting:
				return snap, nil
			case model.StateStopped:
				if snap.LastError != "" {
					return snap, fmt.Errorf("node stopped: %s", snap.LastError)
				}
				return snap, errors.New("node stopped during startup")
			}
		case !errors.Is(err, control.ErrUnreachable):
			return last, err
		case !alive():
			if last.LastError != "" {
				return last, fmt.Errorf("node exited: %s", last.LastError)
			}
			return last, errors.New("node exited during startup")
		}

		select {
		case <-ctx.Done():
			return last, fmt.Errorf("node did not finish connecting: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// runDaemon wires every component and blocks until a signal, a control
// API stop, or a fatal session error.
func runDaemon(ctx context.Context) error {
	e, err := loadEnv(true)
	if err != nil {
		return err
	}
	defer e.closeLog()
	log := e.log

	credStore, err := e.credentials()
	if err != nil {
		return err
	}
	creds, err := credStore.Get()
	if err != nil {
		if errors.Is(err, credstore.ErrNotFound) {
			return errors.New("not logged in: run 'nodie login' first")
		}
		return err
	}

	st, err := store.OpenIdentity(config.StatePath(e.dir))
	if err != nil {
		return fmt.Errorf("load node state: %w", err)
	}

	pidPath := config.PIDPath(e.dir)
	if err := store.WritePID(pidPath, os.Getpid()); err != nil {
		return err
	}
	defer func() { _ = store.RemovePID(pidPath) }()

	led, err := openLedger(ctx, e, log)
	if err != nil {
		return err
	}
	defer func() { _ = led.Close() }()

	tracker := probe.NewAddressTracker(e.cfg.STUNServers, stunTimeout)
	if err := tracker.Refresh(ctx); err != nil {
		log.Warn("public address discovery failed", zap.Error(err))
	}

	client := api.NewClient(e.cfg.APIURL,
		api.WithTimeout(e.cfg.RequestTimeout()),
		api.WithUserAgent(version),
		api.WithDevice(st.DeviceID, st.DeviceName),
		api.WithAddressSource(tracker.Current),
		api.WithLogger(log.Named("api")))

	collectors := metrics.NewCollectors()
	ctrl := node.New(node.Deps{
		Transport: client,
		Prober:    probe.NewSpeedProbe(probeConfig(e.cfg), log.Named("probe")),
		Ledger:    led,
		Host:      sysstat.NewCollector(),
		Address:   tracker,
		Samples:   metrics.SampleLog{Path: samplesPath(e.dir)},
		Metrics:   collectors,
		Log:       log,
	}, node.OptionsFromConfig(e.cfg))

	srv := control.NewServer(ctrl, collectors.Handler(), log.Named("control"))
	go func() {
		if err := srv.ListenAndServe(ctx, e.cfg.ControlAddr); err != nil {
			log.Warn("control api unavailable", zap.String("addr", e.cfg.ControlAddr), zap.Error(err))
		}
	}()

	snap, err := ctrl.Start(ctx, creds)
	if err != nil {
		log.Error("node failed to start", zap.Error(err))
		return err
	}
	log.Info("node started",
		zap.String("state", string(snap.State)),
		zap.String("node_id", snap.NodeID),
		zap.String("device_id", st.DeviceID))
	if snap.NodeID != "" {
		if err := st.RecordSession(snap.NodeID, string(snap.IPClass), tracker.Current(), time.Now()); err != nil {
			log.Warn("save node state", zap.Error(err))
		}
	}

	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
	case <-ctrl.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), e.cfg.StopTimeout()+time.Second)
	defer cancel()
	if err := ctrl.Stop(stopCtx); err != nil {
		log.Warn("node stop", zap.Error(err))
	}
	final := ctrl.Status()
	log.Info("node stopped",
		zap.Float64("total_points", final.TotalPoints),
		zap.Int("pending_uploads", final.PendingUploads))
	return ctrl.Err()
}

func openLedger(ctx context.Context, e *env, log *zap.Logger) (*ledger.Ledger, error) {
	db, err := ledger.OpenSQLite(e.cfg.ResolveLedgerPath(e.dir))
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	led, err := ledger.Open(ctx, e.cfg.Policy, ledger.WithStore(db), ledger.WithLogger(log.Named("ledger")))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	return led, nil
}

func probeConfig(cfg config.Config) probe.Config {
	return probe.Config{
		LatencyURL:     cfg.Probe.LatencyURL,
		DownloadURL:    cfg.Probe.DownloadURL,
		UploadURL:      cfg.Probe.UploadURL,
		UploadBytes:    cfg.Probe.UploadBytes,
		LatencySamples: cfg.Probe.LatencySamples,
		Timeout:        cfg.ProbeTimeout(),
	}
}

func samplesPath(dir string) string { return filepath.Join(dir, "samples.csv") }

func runStop(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(false)
	if err != nil {
		return err
	}
	defer e.closeLog()

	ctx, cancel := context.WithTimeout(cmd.Context(), e.cfg.StopTimeout()+5*time.Second)
	defer cancel()

	snap, err := control.NewClient(e.cfg.ControlAddr).Stop(ctx)
	if err == nil {
		fmt.Printf("Node stopped. Total points: %.4f (pending upload: %d)\n", snap.TotalPoints, snap.PendingUploads)
		return nil
	}
	if !errors.Is(err, control.ErrUnreachable) {
		return err
	}

	pidPath := config.PIDPath(e.dir)
	pid, perr := store.RunningPID(pidPath)
	if errors.Is(perr, store.ErrNotRunning) {
		fmt.Println("Node is not running.")
		return nil
	}
	if perr != nil {
		return perr
	}
	if err := store.Terminate(ctx, pid); err != nil {
		return fmt.Errorf("stop pid %d: %w", pid, err)
	}
	fmt.Printf("Sent stop signal to pid %d\n", pid)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(false)
	if err != nil {
		return err
	}
	defer e.closeLog()

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	snap, err := control.NewClient(e.cfg.ControlAddr).Status(ctx)
	if err == nil {
		printStatus(snap, statusVerbose)
		return nil
	}
	if !errors.Is(err, control.ErrUnreachable) {
		return err
	}

	if pid, perr := store.RunningPID(config.PIDPath(e.dir)); perr == nil {
		fmt.Printf("Node process running (pid %d) but control API at %s is not answering\n", pid, e.cfg.ControlAddr)
		return nil
	}

	led, err := openLedger(ctx, e, e.log)
	if err != nil {
		return err
	}
	defer func() { _ = led.Close() }()
	printStatus(model.StatusSnapshot{
		State:          model.StateStopped,
		IPClass:        model.IPUnknown,
		TotalPoints:    led.TotalPoints(),
		PendingUploads: led.PendingCount(),
	}, false)
	return nil
}

func printStatus(s model.StatusSnapshot, verbose bool) {
	fmt.Printf("State:           %s\n", s.State)
	if s.NodeID != "" {
		fmt.Printf("Node ID:         %s\n", s.NodeID)
	}
	if !s.ConnectedSince.IsZero() {
		fmt.Printf("Connected since: %s\n", s.ConnectedSince.Local().Format(time.RFC3339))
	}
	fmt.Printf("Uptime:          %s\n", (time.Duration(s.UptimeSeconds) * time.Second).String())
	if s.CurrentTier != "" {
		fmt.Printf("Tier:            %s\n", s.CurrentTier)
	}
	fmt.Printf("IP class:        %s\n", s.IPClass)
	fmt.Printf("Total points:    %.4f\n", s.TotalPoints)
	fmt.Printf("Pending uploads: %d\n", s.PendingUploads)
	if !verbose {
		return
	}
	if s.LastSample != nil {
		fmt.Printf("Last probe:      %.2f Mbps down, %.2f Mbps up, %.1f ms at %s\n",
			s.LastSample.DownloadMbps(), s.LastSample.UploadMbps(), s.LastSample.LatencyMs,
			s.LastSample.MeasuredAt.Local().Format(time.RFC3339))
	}
	if s.LastError != "" {
		fmt.Printf("Last error:      %s\n", s.LastError)
	}
}
