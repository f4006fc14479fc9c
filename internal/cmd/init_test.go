package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/squadhq/squad/internal/config"
	"github.com/squadhq/squad/internal/rules"
	"github.com/squadhq/squad/internal/workspace"
)

func TestInitCreatesLayout(t *testing.T) {
	root := filepath.Join(t.TempDir(), "acme")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatal(err)
	}
	initProject = "acme"
	defer func() { initProject = "" }()

	if err := runInit(initCmd, []string{root}); err != nil {
		t.Fatalf("runInit: %v", err)
	}

	if !workspace.IsWorkspace(root) {
		t.Fatal("directory is not a workspace after init")
	}
	stateDir := workspace.StateDir(root)
	for _, want := range []string{config.FileName, rules.FileName, "memory", "backups"} {
		if _, err := os.Stat(filepath.Join(stateDir, want)); err != nil {
			t.Errorf("missing %s: %v", want, err)
		}
	}

	cfg, err := config.Load(stateDir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Project != "acme" {
		t.Errorf("project = %q, want acme", cfg.Project)
	}

	f, err := rules.Load(filepath.Join(stateDir, rules.FileName))
	if err != nil {
		t.Fatal(err)
	}
	if f.DefaultAction != rules.ActionReview {
		t.Errorf("default rules action = %q, want review", f.DefaultAction)
	}
}

func TestInitLeavesExistingConfigAlone(t *testing.T) {
	root := t.TempDir()
	initProject = "first"
	defer func() { initProject = "" }()
	if err := runInit(initCmd, []string{root}); err != nil {
		t.Fatal(err)
	}

	initProject = "second"
	if err := runInit(initCmd, []string{root}); err != nil {
		t.Fatalf("re-init: %v", err)
	}

	cfg, err := config.Load(workspace.StateDir(root))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Project != "first" {
		t.Errorf("project = %q; re-init must not rewrite config", cfg.Project)
	}
}
