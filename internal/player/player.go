// Package player defines the content-player contract shared by surfaces.
//
// Decoding stays outside this repository; the media player only exposes
// the synced file for an external renderer to decode, while the test
// pattern renders locally.
package player

import (
	"fmt"
	"image"
	"sync"
	"time"

	qrcode "github.com/skip2/go-qrcode"
)

// Player is the minimal lifecycle a surface drives each frame.
type Player interface {
	// Setup prepares resources. Must be called before Start.
	Setup() error

	// Start begins playback.
	Start()

	// Stop halts playback. Tick and CurrentTexture stay safe to call.
	Stop()

	// Tick advances playback by dt.
	Tick(dt time.Duration)

	// CurrentTexture returns the frame to draw, or nil when the player
	// produces no local pixels.
	CurrentTexture() image.Image
}

// TestPattern renders a QR code of the node's identity and endpoint, so a
// projected placeholder identifies which node drives the surface.
type TestPattern struct {
	NodeID   string
	Endpoint string
	Size     int // pixels per side, default 512

	mu      sync.Mutex
	texture image.Image
	running bool
	elapsed time.Duration
}

// Setup renders the QR texture once.
func (p *TestPattern) Setup() error {
	size := p.Size
	if size <= 0 {
		size = 512
	}
	qr, err := qrcode.New(fmt.Sprintf("%s@%s", p.NodeID, p.Endpoint), qrcode.Medium)
	if err != nil {
		return fmt.Errorf("failed to render test pattern: %w", err)
	}
	p.mu.Lock()
	p.texture = qr.Image(size)
	p.mu.Unlock()
	return nil
}

// Start begins the (static) pattern.
func (p *TestPattern) Start() {
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()
}

// Stop halts it.
func (p *TestPattern) Stop() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
}

// Tick accumulates elapsed time while running.
func (p *TestPattern) Tick(dt time.Duration) {
	p.mu.Lock()
	if p.running {
		p.elapsed += dt
	}
	p.mu.Unlock()
}

// CurrentTexture returns the rendered QR image.
func (p *TestPattern) CurrentTexture() image.Image {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.texture
}

// Media is a player backed by a synced catalog entry. The renderer decodes
// the file itself; this side tracks playback position and the path.
type Media struct {
	ContentID string // catalog rel path
	Path      string // absolute path under the shared root

	mu       sync.Mutex
	running  bool
	position time.Duration
}

// Setup verifies the player has a target.
func (m *Media) Setup() error {
	if m.Path == "" {
		return fmt.Errorf("media player for %q has no path", m.ContentID)
	}
	return nil
}

// Start begins playback from the current position.
func (m *Media) Start() {
	m.mu.Lock()
	m.running = true
	m.mu.Unlock()
}

// Stop pauses playback.
func (m *Media) Stop() {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
}

// Tick advances the playback position while running.
func (m *Media) Tick(dt time.Duration) {
	m.mu.Lock()
	if m.running {
		m.position += dt
	}
	m.mu.Unlock()
}

// Position returns the current playback position.
func (m *Media) Position() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.position
}

// CurrentTexture returns nil; frames come from the external decoder.
func (m *Media) CurrentTexture() image.Image {
	return nil
}
