package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"triage/internal/embedding"
	"triage/internal/index"
	"triage/internal/router"
	"triage/internal/rules"
	"triage/internal/store"
	"triage/internal/types"
)

// app bundles the wired pipeline for one command invocation. Tiers that fail
// to come up are left nil; the router degrades to the remaining tiers.
type app struct {
	store   *store.Store
	idx     *index.SQLiteIndex
	matcher *rules.Matcher
	rtr     *router.Router
}

func openApp() (*app, error) {
	a := &app{}

	st, err := store.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	a.store = st

	a.matcher = rules.NewMatcher(cfg.Routing.RulesPath)

	engine, err := embedding.NewEngine(cfg.Embedding)
	if err != nil {
		logger.Warn("Embedding engine unavailable, similarity tier disabled", zap.Error(err))
	} else {
		idx, err := index.New(cfg.Storage.IndexPath, engine)
		if err != nil {
			logger.Warn("Example index unavailable, similarity tier disabled", zap.Error(err))
		} else {
			a.idx = idx
		}
	}

	// A nil *SQLiteIndex must not become a non-nil Searcher interface.
	var searcher index.Searcher
	if a.idx != nil {
		searcher = a.idx
	}
	a.rtr = router.New(cfg, a.matcher, searcher, st)
	return a, nil
}

func (a *app) close() {
	if a.rtr != nil {
		a.rtr.Wait()
	}
	if a.idx != nil {
		_ = a.idx.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func runRoute(cmd *cobra.Command, args []string) error {
	if !routeStdin && len(args) == 0 {
		return fmt.Errorf("provide a query or use --stdin")
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if !routeStdin {
		return printJSON(a.rtr.Route(ctx, strings.Join(args, " ")))
	}

	// Stream mode: hot-reload rules while routing.
	if cfg.Routing.WatchRules {
		watcher, err := rules.NewWatcher(a.matcher)
		if err != nil {
			logger.Warn("Rules watcher unavailable", zap.Error(err))
		} else if err := watcher.Start(ctx); err != nil {
			logger.Warn("Rules watcher failed to start", zap.Error(err))
		} else {
			defer watcher.Stop()
		}
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		query := strings.TrimSpace(scanner.Text())
		if query == "" {
			continue
		}
		if err := printJSON(a.rtr.Route(ctx, query)); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func runIngest(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	if a.idx == nil {
		return fmt.Errorf("example index unavailable; check embedding configuration")
	}

	examples, err := index.LoadSeedFile(args[0])
	if err != nil {
		return err
	}
	if len(examples) == 0 {
		return fmt.Errorf("no usable examples in %s", args[0])
	}

	if ingestMerge {
		examples = mergeExamples(a.idx.Examples(), examples)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.idx.Rebuild(ctx, examples); err != nil {
		return fmt.Errorf("rebuild failed: %w", err)
	}

	logger.Info("Index rebuilt",
		zap.Int("examples", len(examples)),
		zap.String("source_file", args[0]),
		zap.Bool("merged", ingestMerge))
	return printJSON(a.idx.Stats())
}

// mergeExamples combines the current corpus with incoming examples. Incoming
// labels win on duplicate queries: a reviewed correction must replace the
// example that caused the misroute.
func mergeExamples(current, incoming []index.Example) []index.Example {
	byQuery := make(map[string]int, len(current))
	merged := make([]index.Example, 0, len(current)+len(incoming))
	for _, ex := range current {
		byQuery[strings.ToLower(strings.TrimSpace(ex.Query))] = len(merged)
		merged = append(merged, ex)
	}
	for _, ex := range incoming {
		key := strings.ToLower(strings.TrimSpace(ex.Query))
		if i, ok := byQuery[key]; ok {
			merged[i] = ex
			continue
		}
		byQuery[key] = len(merged)
		merged = append(merged, ex)
	}
	return merged
}

func runStats(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.close()

	return printJSON(map[string]interface{}{
		"pipeline":  a.rtr.Stats(),
		"decisions": a.store.DecisionStats(statsDays),
		"feedback":  a.store.FeedbackStats(cfg.Feedback.WindowDays),
	})
}

func runRules(cmd *cobra.Command, args []string) error {
	matcher := rules.NewMatcher(cfg.Routing.RulesPath)
	return printJSON(matcher.Stats())
}

func runDecisions(cmd *cobra.Command, args []string) error {
	st, err := store.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	var decisions []types.Decision
	if decisionsLowConf {
		decisions = st.LowConfidence(decisionsThreshold, decisionsLimit)
	} else {
		decisions = st.RecentDecisions(decisionsLimit)
	}
	return printJSON(decisions)
}

// parseRoute turns a comma-separated capability list into a Route.
func parseRoute(s string) (types.Route, error) {
	var r types.Route
	for _, part := range strings.Split(s, ",") {
		switch strings.TrimSpace(strings.ToLower(part)) {
		case "corpus":
			r.UseCorpus = true
		case "events":
			r.UseEvents = true
		case "intel":
			r.UseIntel = true
		case "":
		default:
			return r, fmt.Errorf("unknown capability %q (use corpus, events, intel)", part)
		}
	}
	if !r.Any() {
		return r, fmt.Errorf("route must name at least one capability")
	}
	return r, nil
}

func runFeedbackRecord(cmd *cobra.Command, args []string) error {
	actual, err := parseRoute(fbActual)
	if err != nil {
		return fmt.Errorf("--actual: %w", err)
	}

	fb := types.FeedbackRecord{
		Query:       args[0],
		ActualRoute: actual,
		Type:        strings.ToLower(fbType),
		Method:      fbMethod,
		Comment:     fbComment,
	}
	if fbExpected != "" {
		expected, err := parseRoute(fbExpected)
		if err != nil {
			return fmt.Errorf("--expected: %w", err)
		}
		fb.ExpectedRoute = &expected
	}

	st, err := store.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	id, err := st.RecordFeedback(fb)
	if err != nil {
		return err
	}
	fmt.Printf("Recorded feedback #%d\n", id)
	return nil
}

func runFeedbackStats(cmd *cobra.Command, args []string) error {
	st, err := store.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	return printJSON(st.FeedbackStats(cfg.Feedback.WindowDays))
}

func runFeedbackAnalyze(cmd *cobra.Command, args []string) error {
	st, err := store.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	patterns := st.AnalyzePatterns(cfg.Feedback.WindowDays, cfg.Feedback.MinOccurrences)
	if len(patterns) == 0 {
		fmt.Println("No recurring misroute patterns found.")
		return nil
	}
	return printJSON(patterns)
}

func runFeedbackExport(cmd *cobra.Command, args []string) error {
	st, err := store.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	path := exportPath
	if path == "" {
		path = cfg.Storage.ExportPath
	}

	n, err := st.ExportTrainingExamples(store.ExportOptions{
		Path:                 path,
		WindowDays:           cfg.Feedback.WindowDays,
		MinOccurrences:       cfg.Feedback.MinOccurrences,
		AutoApproveThreshold: cfg.Feedback.AutoApproveThreshold,
		AutoApprovedOnly:     exportApproved,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Exported %d training candidates to %s\n", n, path)
	if n > 0 {
		fmt.Println("Review the file, then re-ingest with: triage ingest --merge " + path)
	}
	return nil
}
