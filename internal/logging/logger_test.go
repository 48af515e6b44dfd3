package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDisabledByDefault(t *testing.T) {
	dir := t.TempDir()
	if err := Initialize(filepath.Join(dir, ".autotune")); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer CloseAll()
	Configure(Options{Debug: false})

	Scheduler("should not be written")
	if _, err := os.Stat(filepath.Join(dir, ".autotune", "logs")); !os.IsNotExist(err) {
		t.Fatalf("logs dir created while debug mode off")
	}
}

func TestCategoryFileWritten(t *testing.T) {
	dir := t.TempDir()
	if err := Initialize(filepath.Join(dir, ".autotune")); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer CloseAll()
	Configure(Options{Debug: true, Level: "debug"})

	Experiment("run %s reached %s", "run_1", "Done")
	CloseAll()

	data, err := os.ReadFile(filepath.Join(dir, ".autotune", "logs", "experiment.log"))
	if err != nil {
		t.Fatalf("read experiment.log: %v", err)
	}
	if !strings.Contains(string(data), "run_1 reached Done") {
		t.Fatalf("log line missing, got: %s", data)
	}
}

func TestCategoryFilter(t *testing.T) {
	dir := t.TempDir()
	if err := Initialize(filepath.Join(dir, ".autotune")); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer CloseAll()
	Configure(Options{
		Debug:      true,
		Level:      "debug",
		Categories: map[string]bool{"scheduler": true},
	})

	if !IsCategoryEnabled(CategoryScheduler) {
		t.Fatalf("scheduler category should be enabled")
	}
	if IsCategoryEnabled(CategoryUsage) {
		t.Fatalf("usage category should be disabled")
	}
}

func TestLevelFilter(t *testing.T) {
	dir := t.TempDir()
	if err := Initialize(filepath.Join(dir, ".autotune")); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer CloseAll()
	Configure(Options{Debug: true, Level: "warn"})

	Scheduler("info line")
	SchedulerWarn("warn line")
	CloseAll()

	data, err := os.ReadFile(filepath.Join(dir, ".autotune", "logs", "scheduler.log"))
	if err != nil {
		t.Fatalf("read scheduler.log: %v", err)
	}
	if strings.Contains(string(data), "info line") {
		t.Fatalf("info line written despite warn level")
	}
	if !strings.Contains(string(data), "warn line") {
		t.Fatalf("warn line missing")
	}
}
