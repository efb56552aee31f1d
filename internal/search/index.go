// Package search provides full-text search over the media catalog using
// Bleve, so the GUI can find clips by name without walking the tree.
package search

import (
	"fmt"
	"path"
	"strings"

	"github.com/blevesearch/bleve/v2"
	_ "github.com/blevesearch/bleve/v2/analysis/analyzer/simple"
)

// Index wraps an in-memory Bleve index keyed by catalog rel path.
type Index struct {
	index bleve.Index
}

// Document is a searchable catalog entry.
type Document struct {
	Rel  string `json:"rel"`
	Name string `json:"name"`
	Dir  string `json:"dir"`
	Ext  string `json:"ext"`
}

// NewIndex creates an in-memory catalog index. The catalog is rebuilt from
// disk on every start, so nothing is persisted.
func NewIndex() (*Index, error) {
	mapping := bleve.NewIndexMapping()

	docMapping := bleve.NewDocumentMapping()

	nameField := bleve.NewTextFieldMapping()
	nameField.Analyzer = "simple"
	docMapping.AddFieldMappingsAt("name", nameField)

	dirField := bleve.NewTextFieldMapping()
	dirField.Analyzer = "keyword"
	docMapping.AddFieldMappingsAt("dir", dirField)

	extField := bleve.NewTextFieldMapping()
	extField.Analyzer = "keyword"
	docMapping.AddFieldMappingsAt("ext", extField)

	mapping.AddDocumentMapping("media", docMapping)

	idx, err := bleve.NewMemOnly(mapping)
	if err != nil {
		return nil, fmt.Errorf("failed to create catalog index: %w", err)
	}
	return &Index{index: idx}, nil
}

// IndexEntry adds or updates one catalog entry.
func (i *Index) IndexEntry(rel string) error {
	doc := Document{
		Rel:  rel,
		Name: strings.TrimSuffix(path.Base(rel), path.Ext(rel)),
		Dir:  path.Dir(rel),
		Ext:  strings.TrimPrefix(path.Ext(rel), "."),
	}
	return i.index.Index(rel, doc)
}

// RemoveEntry drops one catalog entry.
func (i *Index) RemoveEntry(rel string) error {
	return i.index.Delete(rel)
}

// Result is one search hit.
type Result struct {
	Rel   string  `json:"rel"`
	Score float64 `json:"score"`
}

// Search matches the query against media names and returns ranked rel
// paths, at most limit (default 50).
func (i *Index) Search(query string, limit int) ([]Result, error) {
	q := bleve.NewMatchQuery(query)
	q.SetField("name")

	req := bleve.NewSearchRequest(q)
	req.Size = limit
	if req.Size <= 0 {
		req.Size = 50
	}

	res, err := i.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	results := make([]Result, 0, len(res.Hits))
	for _, hit := range res.Hits {
		results = append(results, Result{Rel: hit.ID, Score: hit.Score})
	}
	return results, nil
}

// Close releases the index.
func (i *Index) Close() error {
	return i.index.Close()
}
