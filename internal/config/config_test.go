package config

import (
	"testing"
	"time"
)

func TestServerDefaults(t *testing.T) {
	v := NewViper()
	SetServerDefaults(v)
	cfg, err := Unmarshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.GracePeriod != 30*time.Second || cfg.TombstoneTTL != 5*time.Minute {
		t.Fatalf("durations %v %v", cfg.GracePeriod, cfg.TombstoneTTL)
	}
	if cfg.MaxMembers != 4 || cfg.OutboxLimit != 256 || len(cfg.STUNURLs) != 1 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("DELVE_MAX_ROOMS", "3")
	t.Setenv("DELVE_GRACE_PERIOD", "1500ms")
	v := NewViper()
	SetServerDefaults(v)
	cfg, err := Unmarshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxRooms != 3 || cfg.GracePeriod != 1500*time.Millisecond {
		t.Fatalf("max_rooms=%d grace=%v", cfg.MaxRooms, cfg.GracePeriod)
	}
}

func TestClientDefaults(t *testing.T) {
	t.Setenv("CONFIG_ENV", "missing")
	cfg, err := LoadClient(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ReconnectAttempts != 5 || cfg.InterpDelay != 100*time.Millisecond || cfg.SeenEvents != 1024 {
		t.Fatalf("cfg = %+v", cfg)
	}
}
