package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"nodie/internal/api"
	"nodie/internal/credstore"
	"nodie/internal/metrics"
	"nodie/internal/model"
	"nodie/internal/probe"
)

var (
	statsLocal  bool
	statsWindow time.Duration
	exportOut   string
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show account or local earning statistics",
	RunE:  runStats,
}

var speedtestCmd = &cobra.Command{
	Use:   "speedtest",
	Short: "Run one speed test and show the resulting tier",
	RunE:  runSpeedtest,
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export local data",
}

var exportCSVCmd = &cobra.Command{
	Use:   "csv",
	Short: "Export the accrual ledger as CSV",
	RunE:  runExportCSV,
}

func init() {
	statsCmd.Flags().BoolVar(&statsLocal, "local", false, "summarise the local ledger and probe history instead of the account")
	statsCmd.Flags().DurationVar(&statsWindow, "window", 24*time.Hour, "probe history window for --local")
	exportCSVCmd.Flags().StringVar(&exportOut, "out", "", "output file ('-' for stdout)")
	_ = exportCSVCmd.MarkFlagRequired("out")
	exportCmd.AddCommand(exportCSVCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(false)
	if err != nil {
		return err
	}
	defer e.closeLog()

	if statsLocal {
		return localStats(cmd.Context(), e)
	}

	credStore, err := e.credentials()
	if err != nil {
		return err
	}
	creds, err := credStore.Get()
	if errors.Is(err, credstore.ErrNotFound) {
		return errors.New("not logged in: run 'nodie login' first, or use --local")
	}
	if err != nil {
		return err
	}

	client := api.NewClient(e.cfg.APIURL,
		api.WithTimeout(e.cfg.RequestTimeout()),
		api.WithUserAgent(version),
		api.WithLogger(e.log.Named("api")))
	ctx := cmd.Context()

	user, err := client.Me(ctx, creds.Token)
	if err != nil {
		return err
	}
	stats, err := client.UserStats(ctx, creds.Token)
	if err != nil {
		return err
	}
	nodes, err := client.Nodes(ctx, creds.Token)
	if err != nil {
		return err
	}

	fmt.Printf("Account:      %s\n", user.Email)
	fmt.Printf("Total points: %.4f\n", stats.TotalPoints)
	fmt.Printf("Today:        %.4f\n", stats.TodayPoints)
	fmt.Printf("Active nodes: %d\n", stats.ActiveNodes)
	if stats.ReferralCode != "" {
		fmt.Printf("Referral:     %s\n", stats.ReferralCode)
	}
	for _, n := range nodes.Nodes {
		fmt.Printf("  %-24s %-10s %-12s score=%d %s\n", n.Name, n.Status, n.IPType, n.NetworkScore, n.Country)
	}
	return nil
}

func localStats(ctx context.Context, e *env) error {
	led, err := openLedger(ctx, e, e.log)
	if err != nil {
		return err
	}
	defer func() { _ = led.Close() }()

	sum := led.Summarize()
	fmt.Printf("Ledger events: %d (pending upload %d)\n", sum.Events, sum.Pending)
	fmt.Printf("Total points:  %.4f\n", sum.TotalPoints)
	if sum.Events > 0 {
		fmt.Printf("Covered:       %s to %s\n", sum.First.Local().Format(time.RFC3339), sum.Last.Local().Format(time.RFC3339))
	}
	tiers := make([]string, 0, len(sum.PointsByTier))
	for tier := range sum.PointsByTier {
		tiers = append(tiers, string(tier))
	}
	sort.Strings(tiers)
	for _, t := range tiers {
		tier := model.Tier(t)
		fmt.Printf("  %-5s points=%.4f time=%s\n", tier, sum.PointsByTier[tier], sum.TimeByTier[tier].Round(time.Second))
	}

	samples, err := metrics.ReadSamplesCSV(samplesPath(e.dir))
	if err != nil {
		return err
	}
	ps := metrics.Summarize(samples, time.Now().Add(-statsWindow), e.cfg.Policy.GoodThresholdMbps)
	if ps.Count == 0 {
		fmt.Println("No probe samples in window.")
		return nil
	}
	fmt.Printf("Probes:        %d from %s to %s\n", ps.Count, ps.From.Local().Format(time.RFC3339), ps.To.Local().Format(time.RFC3339))
	fmt.Printf("Download:      avg=%.2f p5=%.2f min=%.2f max=%.2f Mbps\n", ps.AvgDownloadMbps, ps.P5DownloadMbps, ps.MinDownloadMbps, ps.MaxDownloadMbps)
	fmt.Printf("Upload:        avg=%.2f Mbps\n", ps.AvgUploadMbps)
	fmt.Printf("Latency:       avg=%.1f p95=%.1f ms\n", ps.AvgLatencyMs, ps.P95LatencyMs)
	fmt.Printf("Good tier:     %.0f%% of probes\n", ps.GoodFraction*100)
	return nil
}

func runSpeedtest(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(false)
	if err != nil {
		return err
	}
	defer e.closeLog()
	ctx := cmd.Context()

	fmt.Println("Running speed test...")
	sample, err := probe.NewSpeedProbe(probeConfig(e.cfg), e.log.Named("probe")).Measure(ctx)
	if err != nil {
		return err
	}
	if err := metrics.AppendSamplesCSV(samplesPath(e.dir), []model.SpeedSample{sample}); err != nil {
		e.log.Debug("record sample", zap.Error(err))
	}

	policy := e.cfg.Policy
	tier := policy.Tier(sample)
	fmt.Printf("Download: %.2f Mbps\n", sample.DownloadMbps())
	fmt.Printf("Upload:   %.2f Mbps\n", sample.UploadMbps())
	fmt.Printf("Latency:  %.1f ms\n", sample.LatencyMs)
	fmt.Printf("Tier:     %s (threshold %.0f Mbps)\n", tier, policy.GoodThresholdMbps)

	if m, err := probe.PublicAddress(ctx, e.cfg.STUNServers, stunTimeout); err == nil {
		fmt.Printf("Public:   %s (%s)\n", m.Host, m.NATType)
	}

	fmt.Println("Estimated points per hour:")
	for _, class := range []model.IPClass{model.IPResidential, model.IPDatacenter} {
		fmt.Printf("  %-12s %.2f\n", class, policy.Points(time.Hour, tier, policy.Multiplier(class)))
	}
	return nil
}

func runExportCSV(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(false)
	if err != nil {
		return err
	}
	defer e.closeLog()

	led, err := openLedger(cmd.Context(), e, e.log)
	if err != nil {
		return err
	}
	defer func() { _ = led.Close() }()
	events := led.Events()

	var w io.Writer = os.Stdout
	if exportOut != "-" {
		f, err := os.Create(exportOut)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	if err := metrics.WriteEventsCSV(w, events); err != nil {
		return err
	}
	if exportOut != "-" {
		fmt.Printf("exported %d events to %s\n", len(events), exportOut)
	}
	return nil
}
