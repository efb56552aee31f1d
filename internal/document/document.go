// Package document holds the replicated mapping document: per-peer surfaces
// with their control-point grids. The current master authors it; peers
// replace theirs wholesale from structure snapshots and rebase point edits
// onto whatever arrived last.
package document

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/beamlab/mapsync/internal/wire"
)

// PlaceholderContent is the content ID of a surface showing the built-in
// test pattern instead of a catalog entry.
const PlaceholderContent = "placeholder"

// Point is a normalized 2-D coordinate in [0,1].
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Surface is one warped quad grid mapping a content source onto an output
// region.
type Surface struct {
	ID         string  `json:"id"`
	ContentID  string  `json:"content_id"`
	Rows       int     `json:"rows"`
	Cols       int     `json:"cols"`
	OutputGrid []Point `json:"output_grid"`
	SourceGrid []Point `json:"source_grid"`
}

// PeerMapping is the set of surfaces owned by one peer.
type PeerMapping struct {
	Surfaces []*Surface `json:"surfaces"`
}

// snapshot is the serialized tree.
type snapshot struct {
	Peers map[string]*PeerMapping `json:"peers"`
}

// Document is the in-memory mapping document.
type Document struct {
	mu    sync.RWMutex
	peers map[string]*PeerMapping
}

// New creates an empty document.
func New() *Document {
	return &Document{peers: make(map[string]*PeerMapping)}
}

// NewSurface creates a rows×cols surface with both grids laid out as an
// evenly spaced lattice over the unit square.
func NewSurface(contentID string, rows, cols int) *Surface {
	s := &Surface{
		ID:        uuid.NewString(),
		ContentID: contentID,
		Rows:      rows,
		Cols:      cols,
	}
	s.OutputGrid = defaultGrid(rows, cols)
	s.SourceGrid = defaultGrid(rows, cols)
	return s
}

func defaultGrid(rows, cols int) []Point {
	grid := make([]Point, 0, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			var x, y float64
			if cols > 1 {
				x = float64(c) / float64(cols-1)
			}
			if rows > 1 {
				y = float64(r) / float64(rows-1)
			}
			grid = append(grid, Point{X: x, Y: y})
		}
	}
	return grid
}

// AddSurface appends a surface to the peer's mapping. Surface IDs must be
// unique within a peer; a duplicate ID is rejected.
func (d *Document) AddSurface(peerID string, s *Surface) error {
	if err := validateSurface(s); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	pm := d.peers[peerID]
	if pm == nil {
		pm = &PeerMapping{}
		d.peers[peerID] = pm
	}
	for _, existing := range pm.Surfaces {
		if existing.ID == s.ID {
			return fmt.Errorf("surface ID %q already present for peer %s", s.ID, peerID)
		}
	}
	pm.Surfaces = append(pm.Surfaces, s)
	return nil
}

// RemoveSurface deletes a surface by ID. Unknown IDs are a no-op.
func (d *Document) RemoveSurface(peerID, surfaceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	pm := d.peers[peerID]
	if pm == nil {
		return
	}
	for i, s := range pm.Surfaces {
		if s.ID == surfaceID {
			pm.Surfaces = append(pm.Surfaces[:i], pm.Surfaces[i+1:]...)
			return
		}
	}
}

// Surfaces returns a copy of the surface list for one peer.
func (d *Document) Surfaces(peerID string) []*Surface {
	d.mu.RLock()
	defer d.mu.RUnlock()

	pm := d.peers[peerID]
	if pm == nil {
		return nil
	}
	out := make([]*Surface, len(pm.Surfaces))
	copy(out, pm.Surfaces)
	return out
}

// PeerIDs returns the peers present in the document, sorted.
func (d *Document) PeerIDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ids := make([]string, 0, len(d.peers))
	for id := range d.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ApplyPointEdit mutates one grid entry. Out-of-range indices are no-ops,
// so stale deltas after a surface removal are harmless.
func (d *Document) ApplyPointEdit(e wire.PointEdit) {
	d.mu.Lock()
	defer d.mu.Unlock()

	pm := d.peers[e.Owner]
	if pm == nil || int(e.SurfaceIndex) >= len(pm.Surfaces) {
		return
	}
	s := pm.Surfaces[e.SurfaceIndex]

	grid := s.OutputGrid
	if e.Grid == wire.GridSource {
		grid = s.SourceGrid
	}
	if int(e.PointIndex) >= len(grid) {
		return
	}
	grid[e.PointIndex] = Point{X: float64(e.X), Y: float64(e.Y)}
}

// ApplySnapshot replaces the document from serialized JSON. The snapshot is
// schema-validated first; an invalid snapshot leaves the prior document
// untouched. Surface structs whose IDs survive are updated in place so
// references held by the renderer stay valid.
func (d *Document) ApplySnapshot(data []byte) error {
	if err := ValidateSnapshot(data); err != nil {
		return err
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to parse snapshot: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	old := d.peers
	d.peers = make(map[string]*PeerMapping, len(snap.Peers))
	for peerID, pm := range snap.Peers {
		if pm == nil {
			pm = &PeerMapping{}
		}
		if prev := old[peerID]; prev != nil {
			for i, s := range pm.Surfaces {
				for _, ps := range prev.Surfaces {
					if ps.ID == s.ID {
						*ps = *s
						pm.Surfaces[i] = ps
						break
					}
				}
			}
		}
		d.peers[peerID] = pm
	}
	return nil
}

// Serialize emits the snapshot JSON carried by STRUCTURE_SNAPSHOT frames.
func (d *Document) Serialize() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return json.Marshal(snapshot{Peers: d.peers})
}

// MappingPath is the on-disk location of the peer's mapping document under
// the project root.
func MappingPath(projectDir, peerID string) string {
	return filepath.Join(projectDir, "synced", "configs", peerID+".mappings.json")
}

// Load reads a document from disk. A missing file yields an empty document.
func Load(projectDir, peerID string) (*Document, error) {
	d := New()
	data, err := os.ReadFile(MappingPath(projectDir, peerID))
	if os.IsNotExist(err) {
		return d, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping document: %w", err)
	}
	if err := d.ApplySnapshot(data); err != nil {
		return nil, err
	}
	return d, nil
}

// Save writes the document atomically to its on-disk location.
func (d *Document) Save(projectDir, peerID string) error {
	data, err := d.Serialize()
	if err != nil {
		return err
	}

	path := MappingPath(projectDir, peerID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create configs directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write mapping document: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize mapping document: %w", err)
	}
	return nil
}

func validateSurface(s *Surface) error {
	want := s.Rows * s.Cols
	if s.Rows < 1 || s.Cols < 1 {
		return fmt.Errorf("surface %q has degenerate grid %dx%d", s.ID, s.Rows, s.Cols)
	}
	if len(s.OutputGrid) != want || len(s.SourceGrid) != want {
		return fmt.Errorf("surface %q grids must hold %d points", s.ID, want)
	}
	return nil
}
