package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"security-monitor/internal/analysis"
	"security-monitor/internal/config"
	"security-monitor/internal/factory"
	"security-monitor/internal/models"
	"security-monitor/internal/notifier"
	"security-monitor/internal/securitylog"
	"security-monitor/internal/util"
)

const cliUsage = `secctl - security log maintenance for the security monitor

Usage:
  secctl <command> [flags]

Commands:
  analyze   Analyze the security log for the last N hours
              --hours N       window size in hours (default 24)
              --export FILE   write the aggregate as JSON to FILE
              --notify        send the result as a notification (the daily
                              report when --hours is 24)
  clean     Delete or compress logs older than N days
              --days N        retention in days (default SECURITY_LOG_RETENTION_DAYS)
              --compress      gzip expired daily logs instead of deleting them
              --backup DIR    copy large expired logs to DIR first
  report    Generate a security report
              --period P      hour, day, week or month (default day)
  help      Show this help

Configuration is read from the environment and .env, as for the server.
`

const topIPsShown = 10

var errUsage = errors.New("usage")

func runCLI(args []string) int {
	return run(args, os.Stdout, os.Stderr)
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, cliUsage)
		return 1
	}

	switch args[0] {
	case "help", "-h", "--help":
		fmt.Fprint(stdout, cliUsage)
		return 0
	case "analyze", "clean", "report":
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n\n%s", args[0], cliUsage)
		return 1
	}

	cfg := config.LoadConfig()
	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)
	defer util.Sync()

	var err error
	switch args[0] {
	case "analyze":
		err = cliAnalyze(cfg, args[1:], stdout, stderr)
	case "clean":
		err = cliClean(cfg, args[1:], stdout, stderr)
	case "report":
		err = cliReport(cfg, args[1:], stdout, stderr)
	}
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage), errors.Is(err, flag.ErrHelp):
		return 2
	default:
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func cliAnalyze(cfg *config.Config, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("analyze", stderr)
	hours := fs.Int("hours", 24, "window size in hours")
	export := fs.String("export", "", "write the aggregate as JSON to this file")
	notify := fs.Bool("notify", false, "send the result as a notification")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *hours < 1 {
		fmt.Fprintln(stderr, "--hours must be at least 1")
		return errUsage
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	end := time.Now()
	start := end.Add(-time.Duration(*hours) * time.Hour)
	analyzer := analysis.NewAnalyzer(securitylog.NewLocator(cfg.Security.LogDir), cfg.Security.AnalysisWorkers)
	agg, err := analyzer.Analyze(ctx, start, end)
	if err != nil {
		return fmt.Errorf("analysis failed: %w", err)
	}

	if agg.LogFilesAnalyzed == 0 {
		fmt.Fprintf(stdout, "No security logs found in %s for the last %d hours\n", cfg.Security.LogDir, *hours)
	} else {
		printAggregate(stdout, agg, *hours)
	}

	if *export != "" {
		data, err := json.MarshalIndent(agg, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode aggregate: %w", err)
		}
		if err := os.WriteFile(*export, data, 0o644); err != nil {
			return fmt.Errorf("failed to export aggregate: %w", err)
		}
		fmt.Fprintf(stdout, "Exported to %s\n", *export)
	}

	if *notify {
		return notifyAnalysis(ctx, cfg, summaryAlert(agg, *hours), stdout)
	}
	return nil
}

func printAggregate(w io.Writer, agg *models.LogAggregate, hours int) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Window:\tlast %d hours\n", hours)
	fmt.Fprintf(tw, "Files analyzed:\t%d\n", agg.LogFilesAnalyzed)
	fmt.Fprintf(tw, "Total events:\t%d\n", agg.TotalEvents)
	fmt.Fprintf(tw, "Failed logins:\t%d\n", agg.FailedLogins)
	fmt.Fprintf(tw, "Suspicious activities:\t%d\n", agg.SuspiciousActivities)
	fmt.Fprintf(tw, "Blocked IPs:\t%d\n", agg.BlockedIPs)
	fmt.Fprintf(tw, "Unique IPs:\t%d\n", agg.UniqueIPs())
	fmt.Fprintf(tw, "Errors:\t%d\n", len(agg.Errors))
	fmt.Fprintf(tw, "Analysis time:\t%s\n", agg.AnalysisTime)

	if top := agg.TopN(topIPsShown); len(top) > 0 {
		fmt.Fprintf(tw, "\nTop IPs:\n")
		for i, ip := range top {
			fmt.Fprintf(tw, "  %d.\t%s\t%d\n", i+1, ip.IP, ip.Count)
		}
	}

	if len(agg.UserAgentVectors) > 0 {
		vectors := make([]string, 0, len(agg.UserAgentVectors))
		for v := range agg.UserAgentVectors {
			vectors = append(vectors, v)
		}
		sort.Slice(vectors, func(i, j int) bool {
			ci, cj := agg.UserAgentVectors[vectors[i]], agg.UserAgentVectors[vectors[j]]
			if ci != cj {
				return ci > cj
			}
			return vectors[i] < vectors[j]
		})
		fmt.Fprintf(tw, "\nUser-Agent vectors:\n")
		for _, v := range vectors {
			fmt.Fprintf(tw, "  %s\t%d\n", v, agg.UserAgentVectors[v])
		}
	}
	tw.Flush()
}

// summaryAlert is the daily report for a 24 hour window and a field
// summary for any other window.
func summaryAlert(agg *models.LogAggregate, hours int) notifier.Alert {
	if hours == 24 {
		return notifier.DailyReportMessage(notifier.DailyReport{
			PeriodStart:   agg.PeriodStart,
			PeriodEnd:     agg.PeriodEnd,
			TotalEvents:   agg.TotalEvents,
			FailedLogins:  agg.FailedLogins,
			Lockouts:      agg.BlockedIPs,
			SuspiciousIPs: agg.TopN(5),
		})
	}

	fields := map[string]string{
		"window":                fmt.Sprintf("%d h", hours),
		"total_events":          strconv.Itoa(agg.TotalEvents),
		"failed_logins":         strconv.Itoa(agg.FailedLogins),
		"suspicious_activities": strconv.Itoa(agg.SuspiciousActivities),
		"blocked_ips":           strconv.Itoa(agg.BlockedIPs),
		"unique_ips":            strconv.Itoa(agg.UniqueIPs()),
	}
	if top := agg.TopN(1); len(top) > 0 {
		fields["top_ip"] = fmt.Sprintf("%s (%d)", top[0].IP, top[0].Count)
	}
	return notifier.GeneralMessage(fmt.Sprintf("analysis_summary:%dh", hours), fields, models.PriorityInfo)
}

func notifyAnalysis(ctx context.Context, cfg *config.Config, alert notifier.Alert, stdout io.Writer) error {
	f, err := factory.New(cfg)
	if err != nil {
		return err
	}
	defer f.Close()

	if f.Notifier().Dispatch(ctx, alert) {
		fmt.Fprintln(stdout, "Notification sent")
	} else {
		fmt.Fprintln(stdout, "Notification not sent (notifications disabled or rate limited)")
	}
	return nil
}

func cliClean(cfg *config.Config, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("clean", stderr)
	days := fs.Int("days", cfg.Security.RetentionDays, "retention in days")
	compress := fs.Bool("compress", false, "gzip expired daily logs instead of deleting them")
	backup := fs.String("backup", "", "copy large expired logs to this directory first")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *days < 1 {
		fmt.Fprintln(stderr, "--days must be at least 1")
		return errUsage
	}

	result := securitylog.NewCleaner(cfg.Security.LogDir).Clean(securitylog.CleanOptions{
		Days:      *days,
		Compress:  *compress,
		Backup:    *backup != "",
		BackupDir: *backup,
	})

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Directory:\t%s\n", cfg.Security.LogDir)
	fmt.Fprintf(tw, "Deleted:\t%d\n", result.Deleted)
	fmt.Fprintf(tw, "Compressed:\t%d\n", result.Compressed)
	fmt.Fprintf(tw, "Skipped:\t%d\n", result.Skipped)
	fmt.Fprintf(tw, "Freed:\t%s\n", formatBytes(result.FreedSpace))
	tw.Flush()

	for _, e := range result.Errors {
		fmt.Fprintf(stderr, "warning: %s\n", e)
	}
	return nil
}

func cliReport(cfg *config.Config, args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("report", stderr)
	period := fs.String("period", string(models.PeriodDay), "hour, day, week or month")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, ok := models.ParsePeriod(*period); !ok {
		fmt.Fprintf(stderr, "unknown period %q\n", *period)
		return errUsage
	}

	f, err := factory.New(cfg)
	if err != nil {
		return err
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	report, err := f.ServiceFactory().SecurityMonitor().GenerateSecurityReport(ctx, *period)
	if report != nil {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(report); encErr != nil {
			return encErr
		}
	}
	return err
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
