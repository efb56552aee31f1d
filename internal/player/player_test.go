package player

import (
	"testing"
	"time"
)

func TestTestPatternRenders(t *testing.T) {
	p := &TestPattern{NodeID: "AAAAAAAA", Endpoint: "192.168.1.20:40123", Size: 128}
	if err := p.Setup(); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	img := p.CurrentTexture()
	if img == nil {
		t.Fatal("no texture after setup")
	}
	if img.Bounds().Dx() < 128 {
		t.Errorf("texture width = %d, want >= 128", img.Bounds().Dx())
	}
}

func TestMediaTickOnlyWhileRunning(t *testing.T) {
	m := &Media{ContentID: "videos/foo.mp4", Path: "/tmp/foo.mp4"}
	if err := m.Setup(); err != nil {
		t.Fatal(err)
	}

	m.Tick(time.Second)
	if m.Position() != 0 {
		t.Error("position advanced while stopped")
	}

	m.Start()
	m.Tick(time.Second)
	m.Stop()
	m.Tick(time.Second)

	if m.Position() != time.Second {
		t.Errorf("position = %v, want 1s", m.Position())
	}
}

func TestMediaRequiresPath(t *testing.T) {
	m := &Media{ContentID: "videos/foo.mp4"}
	if err := m.Setup(); err == nil {
		t.Error("setup accepted an empty path")
	}
}

// Both players satisfy the shared contract.
var (
	_ Player = (*TestPattern)(nil)
	_ Player = (*Media)(nil)
)
