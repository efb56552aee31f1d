// Package identity manages the node's persistent settings document and its
// stable 8-character node ID.
package identity

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// IDLength is the fixed length of a node ID.
const IDLength = 8

const settingsFile = "settings.json"

const idAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// Settings is the on-disk settings document.
type Settings struct {
	ID string `json:"ID"`
}

var (
	genMu      sync.Mutex
	genCounter uint64
	genRand    = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// LoadOrCreate loads the settings document from projectDir. A missing file,
// a missing ID, or an ID that is not exactly 8 alphanumeric characters
// causes a fresh ID to be generated and the settings written back, so the
// ID is stable across restarts on the same machine.
func LoadOrCreate(projectDir string) (Settings, error) {
	path := filepath.Join(projectDir, settingsFile)

	var s Settings
	data, err := os.ReadFile(path)
	if err == nil {
		// A corrupt document is treated the same as a missing one.
		_ = json.Unmarshal(data, &s)
	}

	if ValidID(s.ID) {
		return s, nil
	}

	s.ID = GenerateID()
	if err := Save(projectDir, s); err != nil {
		return Settings{}, fmt.Errorf("failed to persist settings: %w", err)
	}
	return s, nil
}

// Save writes the settings document atomically.
func Save(projectDir string, s Settings) error {
	if err := os.MkdirAll(projectDir, 0755); err != nil {
		return fmt.Errorf("failed to create project directory: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	path := filepath.Join(projectDir, settingsFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize settings: %w", err)
	}
	return nil
}

// ValidID reports whether id is exactly 8 characters of [0-9A-Za-z].
func ValidID(id string) bool {
	if len(id) != IDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		default:
			return false
		}
	}
	return true
}

// GenerateID creates a fresh node ID. The seed mixes wall-clock time, a
// process-wide counter, and the PRNG so that IDs generated back to back on
// the same machine still differ.
func GenerateID() string {
	genMu.Lock()
	genCounter++
	seed := time.Now().UnixNano() ^ int64(genCounter<<32) ^ genRand.Int63()
	genMu.Unlock()

	r := rand.New(rand.NewSource(seed))
	id := make([]byte, IDLength)
	for i := range id {
		id[i] = idAlphabet[r.Intn(len(idAlphabet))]
	}
	return string(id)
}
