package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"triage/internal/config"
	"triage/internal/logging"
)

var (
	// Global flags
	configPath string
	verbose    bool

	// Logger
	logger *zap.Logger

	// Loaded in PersistentPreRunE, shared by all commands.
	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "triage",
	Short: "triage - capability router for analyst queries",
	Long: `triage routes free-form analyst queries to capability flags:
document corpus, security event logs, and threat intelligence.

Routing runs a three-tier pipeline: operator override rules, vector
similarity against a labeled example index, and a keyword fallback.
Every decision is logged; analyst feedback on misroutes is mined into
training candidates for human-gated re-ingestion.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if verbose {
			cfg.Logging.DebugMode = true
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		if err := logging.Initialize(cfg.Logging.Directory, logging.Options{
			DebugMode:  cfg.Logging.DebugMode,
			Level:      cfg.Logging.Level,
			JSONFormat: cfg.Logging.JSONFormat,
			Categories: cfg.Logging.Categories,
		}); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}

		zapCfg := zap.NewProductionConfig()
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

// routeCmd routes a single query, or a stream of queries from stdin.
var routeCmd = &cobra.Command{
	Use:   "route [query]",
	Short: "Route a query to capability flags",
	Long: `Routes a natural-language query through the tiered pipeline and
prints the decision as JSON.

With --stdin, reads one query per line and routes each; override rules
are hot-reloaded when the rules file changes on disk.

Examples:
  triage route "what is CVE-2024-1234"
  cat queries.txt | triage route --stdin`,
	RunE: runRoute,
}

// ingestCmd loads labeled examples and rebuilds the index.
var ingestCmd = &cobra.Command{
	Use:   "ingest [examples.json]",
	Short: "Ingest labeled examples and rebuild the index",
	Long: `Loads a JSON file of labeled examples, embeds any without stored
vectors, and rebuilds the example index.

The file is either a seed corpus or a reviewed training-candidate export
produced by "triage feedback export". By default the file replaces the
corpus; with --merge its examples are added to the current corpus, new
labels winning on duplicate queries.`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

// statsCmd shows pipeline, decision-log, and feedback statistics.
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show routing pipeline and decision-log statistics",
	RunE:  runStats,
}

// rulesCmd inspects the override ruleset.
var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect the override ruleset",
	RunE:  runRules,
}

// decisionsCmd lists logged decisions.
var decisionsCmd = &cobra.Command{
	Use:   "decisions",
	Short: "List recent routing decisions",
	RunE:  runDecisions,
}

// feedbackCmd groups the feedback subcommands.
var feedbackCmd = &cobra.Command{
	Use:   "feedback",
	Short: "Record and mine routing feedback",
}

var feedbackRecordCmd = &cobra.Command{
	Use:   "record [query]",
	Short: "Record a correctness judgement on a past decision",
	Long: `Records feedback on how a query was routed.

Examples:
  triage feedback record "what is CVE-2024-1234" --type correct --actual intel
  triage feedback record "show failed logins" --type incorrect \
    --actual corpus --expected events --comment "these are auth events"`,
	Args: cobra.ExactArgs(1),
	RunE: runFeedbackRecord,
}

var feedbackStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show feedback volume, accuracy, and mining backlog",
	RunE:  runFeedbackStats,
}

var feedbackAnalyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Mine unprocessed incorrect feedback for recurring misroutes",
	RunE:  runFeedbackAnalyze,
}

var feedbackExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export mined patterns as training candidates",
	Long: `Mines recurring misroutes and writes them to the training-candidate
JSON file. Exported feedback is marked processed so it is never exported
twice. The file is reviewed by a human before "triage ingest" feeds it
back into the example index.`,
	RunE: runFeedbackExport,
}

var (
	// route flags
	routeStdin bool

	// ingest flags
	ingestMerge bool

	// decisions flags
	decisionsLimit     int
	decisionsLowConf   bool
	decisionsThreshold float64

	// stats flags
	statsDays int

	// feedback record flags
	fbType     string
	fbActual   string
	fbExpected string
	fbComment  string
	fbMethod   string

	// feedback export flags
	exportPath     string
	exportApproved bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/triage.yaml", "Config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	routeCmd.Flags().BoolVar(&routeStdin, "stdin", false, "Read one query per line from stdin")

	ingestCmd.Flags().BoolVar(&ingestMerge, "merge", false, "Merge into the current corpus instead of replacing it")

	decisionsCmd.Flags().IntVarP(&decisionsLimit, "limit", "n", 20, "Maximum decisions to list")
	decisionsCmd.Flags().BoolVar(&decisionsLowConf, "low-confidence", false, "Only decisions below the confidence threshold")
	decisionsCmd.Flags().Float64Var(&decisionsThreshold, "threshold", 0.7, "Confidence threshold for --low-confidence")

	statsCmd.Flags().IntVar(&statsDays, "days", 7, "Trailing window in days")

	feedbackRecordCmd.Flags().StringVar(&fbType, "type", "", "Feedback type: correct, incorrect, partial (required)")
	feedbackRecordCmd.Flags().StringVar(&fbActual, "actual", "", "Route the query actually took: corpus, events, intel, or comma-separated (required)")
	feedbackRecordCmd.Flags().StringVar(&fbExpected, "expected", "", "Route the query should have taken")
	feedbackRecordCmd.Flags().StringVar(&fbComment, "comment", "", "Free-form comment")
	feedbackRecordCmd.Flags().StringVar(&fbMethod, "method", "", "Routing method that produced the decision")
	feedbackRecordCmd.MarkFlagRequired("type")
	feedbackRecordCmd.MarkFlagRequired("actual")

	feedbackExportCmd.Flags().StringVarP(&exportPath, "out", "o", "", "Output path (default: configured export path)")
	feedbackExportCmd.Flags().BoolVar(&exportApproved, "auto-approved-only", false, "Export only auto-approved candidates")

	feedbackCmd.AddCommand(feedbackRecordCmd)
	feedbackCmd.AddCommand(feedbackStatsCmd)
	feedbackCmd.AddCommand(feedbackAnalyzeCmd)
	feedbackCmd.AddCommand(feedbackExportCmd)

	rootCmd.AddCommand(routeCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(decisionsCmd)
	rootCmd.AddCommand(feedbackCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
