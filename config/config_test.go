package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDecodesInstrumentsAndNetworking(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := `
instruments:
  dmm:
    type: t.Dummy
    initialize: true
    init:
      address: GPIB::1
networking:
  listeningAddress: "tcp://*:5555"
  externalBroadcast: true
  broadcastPort: 6000
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	inst, ok := cfg.Instruments["dmm"]
	if !ok || inst.Type != "t.Dummy" || !inst.Initialize {
		t.Fatalf("unexpected instrument decode: %+v", inst)
	}
	if inst.Init["address"] != "GPIB::1" {
		t.Fatalf("unexpected init block: %+v", inst.Init)
	}
	if cfg.Networking.ListeningAddress != "tcp://*:5555" || !cfg.Networking.ExternalBroadcast {
		t.Fatalf("unexpected networking decode: %+v", cfg.Networking)
	}
	if got := cfg.Networking.ResolveBroadcastPort(5555); got != 6000 {
		t.Fatalf("expected explicit broadcast port 6000, got %d", got)
	}
}

func TestResolveBroadcastPortDefaultsToPrimaryPlusOne(t *testing.T) {
	var n Networking
	if got := n.ResolveBroadcastPort(5555); got != 5556 {
		t.Fatalf("expected 5556, got %d", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
