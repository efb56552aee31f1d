package document

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// snapshotSchema constrains the JSON carried by STRUCTURE_SNAPSHOT frames:
// a peer map of surface lists, every grid point normalized to [0,1].
var snapshotSchema = []byte(`{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["peers"],
	"properties": {
		"peers": {
			"type": "object",
			"additionalProperties": {
				"type": ["object", "null"],
				"properties": {
					"surfaces": {
						"type": ["array", "null"],
						"items": {
							"type": "object",
							"required": ["id", "content_id", "rows", "cols", "output_grid", "source_grid"],
							"properties": {
								"id": {"type": "string", "minLength": 1},
								"content_id": {"type": "string"},
								"rows": {"type": "integer", "minimum": 1},
								"cols": {"type": "integer", "minimum": 1},
								"output_grid": {"$ref": "#/definitions/grid"},
								"source_grid": {"$ref": "#/definitions/grid"}
							}
						}
					}
				}
			}
		}
	},
	"definitions": {
		"grid": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["x", "y"],
				"properties": {
					"x": {"type": "number", "minimum": 0, "maximum": 1},
					"y": {"type": "number", "minimum": 0, "maximum": 1}
				}
			}
		}
	}
}`)

var compiledSchema *gojsonschema.Schema

func init() {
	var err error
	compiledSchema, err = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(snapshotSchema))
	if err != nil {
		panic(fmt.Sprintf("document: invalid snapshot schema: %v", err))
	}
}

// ValidateSnapshot checks snapshot JSON against the document schema and the
// grid-size invariant (|output| = |source| = rows*cols).
func ValidateSnapshot(data []byte) error {
	result, err := compiledSchema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("failed to parse snapshot: %w", err)
	}
	if !result.Valid() {
		errs := result.Errors()
		return fmt.Errorf("invalid snapshot: %s", errs[0].String())
	}

	// Grid sizes are cross-field; the schema cannot express them.
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to parse snapshot: %w", err)
	}
	for peerID, pm := range snap.Peers {
		if pm == nil {
			continue
		}
		for _, s := range pm.Surfaces {
			if err := validateSurface(s); err != nil {
				return fmt.Errorf("peer %s: %w", peerID, err)
			}
		}
	}
	return nil
}
