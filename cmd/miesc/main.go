// miesc is the multi-layer smart contract security assessment CLI. It
// drives the analysis orchestration core from the command line and can
// serve the same operations over JSON-RPC and REST.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"miesc/internal/adapter"
	"miesc/internal/adapter/builtin"
	"miesc/internal/audit"
	"miesc/internal/bus"
	"miesc/internal/config"
	"miesc/internal/correlation"
	"miesc/internal/finding"
	"miesc/internal/logging"
	"miesc/internal/registry"
	"miesc/internal/scheduler"
	"miesc/internal/server"
	"miesc/internal/store"
)

// Exit codes: 0 clean, 1 blocking findings, 2 configuration error,
// 3 internal error.
const (
	exitClean    = 0
	exitBlocking = 1
	exitConfig   = 2
	exitInternal = 3
)

var (
	cfgPath string
	verbose bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "miesc",
	Short: "miesc - multi-layer smart contract security assessment",
	Long: `miesc orchestrates defense-in-depth security analysis of Solidity
contracts: nine layers of tools from static analysis to ensemble voting,
with cross-tool correlation and confidence calibration.

Findings from independent tools that agree reinforce each other; lone
witnesses for high-impact classes are flagged for human review.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		logger = logging.Build(logging.Options{
			Level:      cfg.Logging.Level,
			Format:     cfg.Logging.Format,
			File:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
		})
		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// stack is the fully wired orchestration core.
type stack struct {
	reg     *registry.Registry
	bus     *bus.Bus
	coord   *audit.Coordinator
	archive *store.Archive
}

func (s *stack) close() {
	if s.archive != nil {
		_ = s.archive.Close()
	}
	s.bus.Close()
}

// buildStack wires registry, bus, scheduler, archive, and coordinator
// from the loaded configuration.
func buildStack() (*stack, error) {
	reg := registry.New(logger, cfg.AvailabilityTTL())
	if err := builtin.RegisterAll(reg, builtin.Config{
		LLMAPIKey: cfg.LLM.APIKey,
		LLMModel:  cfg.LLM.Model,
	}); err != nil {
		return nil, fmt.Errorf("register builtin tools: %w", err)
	}

	norm, err := finding.NewNormalizer()
	if err != nil {
		return nil, err
	}

	b := bus.New(bus.Options{BufferSize: cfg.Bus.SubscriberBuffer, Retain: true}, logger)

	// Catalog policy violations surface as events, never as errors.
	for _, w := range reg.Warnings() {
		b.Publish(bus.NewEvent("", bus.TopicGovernance, bus.GovernanceEvent{
			ToolID:  w.ToolID,
			Message: w.Message,
		}))
	}

	runner := adapter.NewRunner(norm, logger)
	sched := scheduler.New(reg, runner, b, logger)

	var archive *store.Archive
	var archiver audit.Archiver
	if cfg.Archive.Enabled {
		archive, err = store.Open(cfg.Archive.DatabasePath)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("open archive: %w", err)
		}
		archiver = archive
	}

	coord, err := audit.New(audit.Config{
		OutputDir:           cfg.Audit.OutputDir,
		WorkDir:             cfg.Audit.WorkDir,
		PersistEvents:       cfg.Audit.PersistEvents,
		MaxConcurrent:       cfg.Audit.MaxConcurrent,
		MaxContractBytes:    cfg.MaxContractBytes(),
		FPPriorsPath:        cfg.Correlation.FPPriorsPath,
		Correlation: correlation.Config{
			ExtraCrossValidation:    cfg.Correlation.CrossValidationRequired,
			SingleToolMaxConfidence: cfg.Correlation.SingleToolMaxConfidence,
		},
		MaxParallelPerLayer: cfg.Audit.MaxParallelPerLayer,
		CrossLayerMode:      scheduler.Mode(cfg.Audit.CrossLayerMode),
	}, reg, sched, b, archiver, logger)
	if err != nil {
		if archive != nil {
			_ = archive.Close()
		}
		b.Close()
		return nil, err
	}

	return &stack{reg: reg, bus: b, coord: coord, archive: archive}, nil
}

func newHandler(s *stack) *server.Handler {
	h := server.NewHandler(s.coord, s.reg, s.bus, s.archive, logger)
	h.Estimates = server.Estimates{
		Precision: cfg.Metrics.Estimates.Precision,
		Recall:    cfg.Metrics.Estimates.Recall,
	}
	return h
}

func main() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", config.DefaultPath(), "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(auditCmd, scanCmd, doctorCmd, serverCmd, listCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitConfig)
	}
}
