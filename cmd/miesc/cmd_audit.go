package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"miesc/internal/adapter"
	"miesc/internal/audit"
	"miesc/internal/correlation"
	"miesc/internal/finding"
	"miesc/internal/scheduler"
)

var (
	flagProfile        string
	flagLayers         []int
	flagTools          []string
	flagDisable        []string
	flagToolDeadline   time.Duration
	flagGlobalDeadline time.Duration
	flagParallel       int
	flagMode           string
	flagJSON           bool
)

var auditCmd = &cobra.Command{
	Use:   "audit [profile] <contract>",
	Short: "Run a full security audit on a contract",
	Long: `Runs the selected profile against a Solidity file or directory and
prints the correlated findings. With two arguments the first names the
profile; with one, the profile comes from --profile or the config file.

Profiles:
  quick     layer 1 only, 5 minute budget
  standard  layers 1-3, 30 minute budget
  full      all nine layers, 4 hour budget
  custom    explicit --layers and --global-deadline

Exit codes: 0 no blocking findings, 1 HIGH or CRITICAL findings,
2 configuration error, 3 internal error.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		profile, target := flagProfile, args[0]
		if len(args) == 2 {
			profile, target = args[0], args[1]
		}
		return runAudit(cmd.Context(), target, profile)
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan [contract]",
	Short: "Fast static-only scan (alias for the quick profile)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAudit(cmd.Context(), args[0], "quick")
	},
}

func init() {
	auditCmd.Flags().StringVarP(&flagProfile, "profile", "p", "", "audit profile (defaults to config)")
	auditCmd.Flags().IntSliceVar(&flagLayers, "layers", nil, "restrict to these defense layers")
	auditCmd.Flags().StringSliceVar(&flagTools, "tools", nil, "restrict to these tool ids")
	auditCmd.Flags().DurationVar(&flagToolDeadline, "tool-deadline", 0, "per-tool deadline override")
	auditCmd.Flags().DurationVar(&flagGlobalDeadline, "global-deadline", 0, "whole-audit deadline override")
	auditCmd.Flags().IntVar(&flagParallel, "parallel", 0, "max concurrent tools per layer")
	auditCmd.Flags().StringVar(&flagMode, "mode", "", "cross-layer mode: sequential or pipelined")

	for _, c := range []*cobra.Command{auditCmd, scanCmd} {
		c.Flags().StringSliceVar(&flagDisable, "disable", nil, "tool ids to skip")
		c.Flags().BoolVar(&flagJSON, "json", false, "emit the report as JSON")
	}
}

func runAudit(ctx context.Context, target, profile string) error {
	if profile == "" {
		profile = cfg.Audit.DefaultProfile
	}

	s, err := buildStack()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitInternal)
	}
	defer s.close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tools := flagTools
	if len(tools) == 0 {
		tools = cfg.Tools.Enable
	}
	opts := audit.Options{
		Tools:               tools,
		Disable:             append(flagDisable, cfg.Tools.Disable...),
		Layers:              flagLayers,
		PerToolDeadline:     flagToolDeadline,
		PerToolDeadlines:    cfg.PerToolDeadlines(),
		GlobalDeadline:      flagGlobalDeadline,
		MaxParallelPerLayer: flagParallel,
		CrossLayerMode:      scheduler.Mode(flagMode),
		Extra:               cfg.Tools.Extra,
	}

	id, err := s.coord.StartAudit(ctx, adapter.ContractRef{Path: target},
		audit.Profile(profile), opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitConfig)
	}
	logger.Info("audit started",
		zap.String("audit_id", id), zap.String("profile", profile))

	// Ctrl-C cancels the audit; collected findings still surface.
	go func() {
		<-ctx.Done()
		_, _ = s.coord.Cancel(id)
	}()

	report, err := s.coord.GetReport(context.Background(), id, false)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitInternal)
	}

	if flagJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			os.Exit(exitInternal)
		}
	} else {
		renderReport(os.Stdout, report)
	}

	switch {
	case report.Status == audit.ReportFailed:
		os.Exit(exitInternal)
	case report.HasBlocking():
		os.Exit(exitBlocking)
	}
	return nil
}

// renderReport prints the human-readable summary: findings grouped by
// severity, then diagnostics.
func renderReport(w *os.File, r *audit.Report) {
	fmt.Fprintf(w, "\nAudit %s  [%s]  profile=%s  target=%s\n",
		r.AuditID, r.Status, r.Metadata.Profile, r.Metadata.Target)
	fmt.Fprintf(w, "Tools: %s  duration: %.1fs\n",
		strings.Join(r.Metadata.ToolsUsed, ", "), r.Metadata.DurationS)

	if len(r.Findings) == 0 {
		fmt.Fprintln(w, "\nNo findings.")
	} else {
		findings := append([]correlation.CorrelatedFinding(nil), r.Findings...)
		sort.SliceStable(findings, func(i, j int) bool {
			return findings[i].SeverityFinal.Rank() > findings[j].SeverityFinal.Rank()
		})
		fmt.Fprintf(w, "\n%d finding(s):\n", len(findings))
		for _, f := range findings {
			loc := "unknown location"
			if f.Location.Known() {
				loc = fmt.Sprintf("%s:%d", f.Location.File, f.Location.LineStart)
			}
			review := ""
			if f.RequiresHumanReview {
				review = "  [needs review]"
			}
			fmt.Fprintf(w, "  %-8s %-32s %s  conf=%.2f  tools=%d%s\n",
				f.SeverityFinal, f.Class, loc, f.ConfidenceAdjusted, len(f.Witnesses), review)
			if f.Title != "" {
				fmt.Fprintf(w, "           %s\n", f.Title)
			}
		}
	}

	if n := r.Summary.CountsBySeverity[finding.SeverityCritical]; n > 0 {
		fmt.Fprintf(w, "\nCRITICAL: %d", n)
	}
	if len(r.Diagnostics) > 0 {
		fmt.Fprintf(w, "\n%d diagnostic(s):\n", len(r.Diagnostics))
		for _, d := range r.Diagnostics {
			if d.Tool != "" {
				fmt.Fprintf(w, "  %s: %s %s\n", d.Kind, d.Tool, d.Message)
			} else {
				fmt.Fprintf(w, "  %s: %s\n", d.Kind, d.Message)
			}
		}
	}
	fmt.Fprintln(w)
}
