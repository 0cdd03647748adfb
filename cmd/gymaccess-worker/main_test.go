package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("GYMACCESS_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

func TestRun_QueueDisabled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
database:
  path: "` + filepath.Join(t.TempDir(), "access.db") + `"
queue:
  enabled: false
security:
  jwt:
    secret: "test-secret-for-development-only-0123456789"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	t.Setenv("GYMACCESS_CONFIG", path)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil || !strings.Contains(err.Error(), "queue.enabled") {
		t.Fatalf("run() = %v, want queue.enabled error", err)
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("GYMACCESS_CONFIG", "")
	if got := getConfigPath(); got != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
	}

	t.Setenv("GYMACCESS_CONFIG", "/etc/gymaccess/config.yaml")
	if got := getConfigPath(); got != "/etc/gymaccess/config.yaml" {
		t.Errorf("getConfigPath() = %q, want env override", got)
	}
}
