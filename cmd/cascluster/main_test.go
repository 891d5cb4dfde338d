package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/unkn0wn-root/cascluster/config"
)

func TestConfigCommandPrintsEffectiveConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	if err := os.WriteFile(path, []byte("node:\n  id: n7\nlayer:\n  call_timeout: 5s\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "--config", path, "--env-file", filepath.Join(dir, "none.env")})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	for _, want := range []string{"id: n7", "kind: local", "call_timeout: 5s"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("missing %q in:\n%s", want, out.String())
		}
	}
}

func TestConfigCommandRejectsUnknownProvider(t *testing.T) {
	t.Setenv("CASCLUSTER_PROVIDER", "etcd")
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"config", "--env-file", filepath.Join(t.TempDir(), "none.env")})
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "etcd") {
		t.Fatalf("expected unknown provider error, got %v", err)
	}
}

func TestSloggerHonoursLevelAndEnv(t *testing.T) {
	cfg := config.Default()
	cfg.Node.ID = "n1"
	cfg.Log.Env = "prod"
	cfg.Log.Level = "warn"

	var buf bytes.Buffer
	l := slogger(cfg, &buf)
	l.Info("hidden")
	l.Warn("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"node":"n1"`) {
		t.Fatalf("unexpected output: %s", out)
	}
}

func TestBuildLoggerBackends(t *testing.T) {
	for _, backend := range []string{config.LogZap, config.LogLogrus, config.LogSlog} {
		cfg := config.Default()
		cfg.Log.Backend = backend
		l, flush, err := buildLogger(cfg)
		if err != nil || l == nil {
			t.Fatalf("%s: logger=%v err=%v", backend, l, err)
		}
		flush()
	}
}
