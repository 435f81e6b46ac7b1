package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func resetLogging() {
	CloseAll()
	logsDir = ""
	optsMu.Lock()
	opts = Options{}
	optsMu.Unlock()
}

func TestCategoriesCreateFiles(t *testing.T) {
	defer resetLogging()

	dir := t.TempDir()
	err := Initialize(dir, Options{DebugMode: true, Level: "debug"})
	if err != nil {
		t.Fatalf("Initialize error = %v", err)
	}

	categories := []Category{
		CategoryBoot, CategoryRouting, CategoryRules, CategoryIndex,
		CategoryEmbedding, CategoryStore, CategoryFeedback,
	}
	for _, cat := range categories {
		Get(cat).Info("test entry for %s", cat)
	}
	CloseAll()

	date := time.Now().Format("2006-01-02")
	for _, cat := range categories {
		logPath := filepath.Join(dir, date+"_"+string(cat)+".log")
		data, err := os.ReadFile(logPath)
		if err != nil {
			t.Fatalf("log file for category %s missing: %v", cat, err)
		}
		if !strings.Contains(string(data), "test entry") {
			t.Fatalf("log file for category %s missing entry", cat)
		}
	}
}

func TestDisabledDebugModeWritesNothing(t *testing.T) {
	defer resetLogging()

	dir := t.TempDir()
	if err := Initialize(dir, Options{DebugMode: false}); err != nil {
		t.Fatalf("Initialize error = %v", err)
	}

	Routing("should not be written")
	CloseAll()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir error = %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no log files, found %d", len(entries))
	}
}

func TestCategoryFilter(t *testing.T) {
	defer resetLogging()

	dir := t.TempDir()
	err := Initialize(dir, Options{
		DebugMode: true,
		Level:     "debug",
		Categories: map[string]bool{
			"routing": true,
			"store":   false,
		},
	})
	if err != nil {
		t.Fatalf("Initialize error = %v", err)
	}

	if !IsCategoryEnabled(CategoryRouting) {
		t.Fatal("routing category should be enabled")
	}
	if IsCategoryEnabled(CategoryStore) {
		t.Fatal("store category should be disabled")
	}
	// Unlisted categories default to enabled in debug mode.
	if !IsCategoryEnabled(CategoryFeedback) {
		t.Fatal("feedback category should default to enabled")
	}
}

func TestLevelFiltering(t *testing.T) {
	defer resetLogging()

	dir := t.TempDir()
	if err := Initialize(dir, Options{DebugMode: true, Level: "warn"}); err != nil {
		t.Fatalf("Initialize error = %v", err)
	}

	l := Get(CategoryRouting)
	l.Debug("debug line")
	l.Info("info line")
	l.Warn("warn line")
	CloseAll()

	date := time.Now().Format("2006-01-02")
	data, err := os.ReadFile(filepath.Join(dir, date+"_routing.log"))
	if err != nil {
		t.Fatalf("ReadFile error = %v", err)
	}
	out := string(data)
	if strings.Contains(out, "info line") || strings.Contains(out, "debug line") {
		t.Fatalf("lines below warn level were written: %q", out)
	}
	if !strings.Contains(out, "warn line") {
		t.Fatalf("warn line missing: %q", out)
	}
}
