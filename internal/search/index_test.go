package search

import "testing"

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := NewIndex()
	if err != nil {
		t.Fatalf("failed to create index: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestIndexAndSearch(t *testing.T) {
	idx := newTestIndex(t)

	for _, rel := range []string{
		"videos/ocean waves.mp4",
		"videos/city night.mp4",
		"configs/show.json",
	} {
		if err := idx.IndexEntry(rel); err != nil {
			t.Fatalf("failed to index %s: %v", rel, err)
		}
	}

	results, err := idx.Search("ocean", 10)
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 1 || results[0].Rel != "videos/ocean waves.mp4" {
		t.Errorf("results = %+v", results)
	}
}

func TestRemoveEntry(t *testing.T) {
	idx := newTestIndex(t)

	if err := idx.IndexEntry("videos/gone.mp4"); err != nil {
		t.Fatal(err)
	}
	if err := idx.RemoveEntry("videos/gone.mp4"); err != nil {
		t.Fatal(err)
	}

	results, err := idx.Search("gone", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 0 {
		t.Errorf("removed entry still found: %+v", results)
	}
}

func TestReindexUpdatesInPlace(t *testing.T) {
	idx := newTestIndex(t)

	if err := idx.IndexEntry("videos/loop.mp4"); err != nil {
		t.Fatal(err)
	}
	if err := idx.IndexEntry("videos/loop.mp4"); err != nil {
		t.Fatal(err)
	}

	results, err := idx.Search("loop", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Errorf("duplicate documents after reindex: %+v", results)
	}
}
