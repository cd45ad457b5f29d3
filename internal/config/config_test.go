package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Fatalf("expected default listen addr, got %q", cfg.Server.ListenAddr)
	}
	if cfg.Queue.LobbyCapacity != 4 || cfg.Queue.LatencyTolerance != 100 {
		t.Fatalf("unexpected queue defaults: %+v", cfg.Queue)
	}
	if cfg.Queue.HeartbeatTimeout != 30*time.Second {
		t.Fatalf("expected 30s heartbeat timeout, got %s", cfg.Queue.HeartbeatTimeout)
	}
	if cfg.Mesh.StaleAfter != 90*time.Second {
		t.Fatalf("expected 90s staleness, got %s", cfg.Mesh.StaleAfter)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte("server:\n  listen_addr: \":9090\"\n  region: us-east\nqueue:\n  lobby_capacity: 8\n")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" || cfg.Server.Region != "us-east" {
		t.Fatalf("file values not applied: %+v", cfg.Server)
	}
	if cfg.Queue.LobbyCapacity != 8 {
		t.Fatalf("expected capacity 8, got %d", cfg.Queue.LobbyCapacity)
	}
	// Unset keys keep their defaults.
	if cfg.Queue.LatencyTolerance != 100 {
		t.Fatalf("expected default tolerance, got %d", cfg.Queue.LatencyTolerance)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FPS_SERVER_LISTEN_ADDR", ":7070")
	t.Setenv("FPS_SERVER_NODE_ID", "node-env")
	t.Setenv("FPS_MESH_SECRET", "hunter2")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != ":7070" {
		t.Fatalf("env override lost for listen addr, got %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.NodeID != "node-env" {
		t.Fatalf("env override lost for node id, got %q", cfg.Server.NodeID)
	}
	if cfg.Mesh.Secret != "hunter2" {
		t.Fatalf("env override lost for mesh secret, got %q", cfg.Mesh.Secret)
	}
}

func TestEnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  listen_addr: \":9090\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("FPS_SERVER_LISTEN_ADDR", ":7070")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != ":7070" {
		t.Fatalf("expected env to beat file, got %q", cfg.Server.ListenAddr)
	}
}
