package trainctl

import (
	"os"
	"path/filepath"
	"testing"

	"traind/internal/config"
)

func TestMainWithArgsHelp(t *testing.T) {
	if code := MainWithArgs([]string{"--help"}); code != 0 {
		t.Fatalf("help exit code = %d", code)
	}
}

func TestRunRequiresTemplates(t *testing.T) {
	if code := MainWithArgs([]string{"run"}); code != 1 {
		t.Fatalf("run without templates exit code = %d", code)
	}
}

func TestRunRequiresTrainer(t *testing.T) {
	tmpl := filepath.Join(t.TempDir(), "a.yaml")
	if err := os.WriteFile(tmpl, []byte("model_training:\n  epochs: 1\n"), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if code := MainWithArgs([]string{"run", tmpl}); code != 1 {
		t.Fatalf("run without trainer exit code = %d", code)
	}
}

func TestSummaryMissingDir(t *testing.T) {
	if code := MainWithArgs([]string{"summary", filepath.Join(t.TempDir(), "absent")}); code != 1 {
		t.Fatalf("summary of missing dir exit code = %d", code)
	}
}

func TestGPUsCommand(t *testing.T) {
	// Detection degrades to a CPU-only snapshot on hosts without nvidia-smi,
	// so the command succeeds either way.
	if code := MainWithArgs([]string{"gpus"}); code != 0 {
		t.Fatalf("gpus exit code = %d", code)
	}
}

func TestFlagsOverrideConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "traind.yaml")
	body := "output_dir: from_file\nworking_dir: " + dir + "\ngpu_min_memory_mb: 2048\n"
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := &config.Config{}
	root := buildRootCmd(cfg)
	root.SetArgs([]string{"gpus", "--config", cfgPath, "--output-dir", "from_flag"})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if cfg.OutputDir != "from_flag" {
		t.Fatalf("flag did not override file: output_dir=%q", cfg.OutputDir)
	}
	if cfg.MinMemoryMB != 2048 {
		t.Fatalf("file value lost: min_memory=%d", cfg.MinMemoryMB)
	}
	if cfg.HeadroomFrac != config.DefaultHeadroomFrac {
		t.Fatalf("defaults not applied: headroom=%v", cfg.HeadroomFrac)
	}
}
