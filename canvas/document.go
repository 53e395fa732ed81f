package canvas

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/stackmotive/overlay/block"
	"github.com/stackmotive/overlay/errors"
)

//go:embed document.schema.json
var documentSchema []byte

var documentSchemaLoader = gojsonschema.NewBytesLoader(documentSchema)

// Document is the portable description of a canvas, as written by editors
// and read by the CLI.
type Document struct {
	ID          string           `json:"id,omitempty"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Config      *Config          `json:"config,omitempty"`
	Blocks      []BlockSpec      `json:"blocks,omitempty"`
	Connections []ConnectionSpec `json:"connections,omitempty"`
}

// DecodeDocument parses a JSON or YAML document and validates it against
// the document schema.
func DecodeDocument(data []byte) (*Document, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.WrapInvalid(fmt.Errorf("empty document"), "canvas", "DecodeDocument", "read document")
	}

	// YAML is a superset of JSON; normalise through JSON so the schema and
	// the struct tags apply to both.
	if trimmed[0] != '{' {
		var raw any
		if err := yaml.Unmarshal(trimmed, &raw); err != nil {
			return nil, errors.WrapInvalid(err, "canvas", "DecodeDocument", "parse yaml")
		}
		converted, err := json.Marshal(raw)
		if err != nil {
			return nil, errors.WrapInvalid(err, "canvas", "DecodeDocument", "convert yaml")
		}
		trimmed = converted
	}

	result, err := gojsonschema.Validate(documentSchemaLoader, gojsonschema.NewBytesLoader(trimmed))
	if err != nil {
		return nil, errors.WrapInvalid(err, "canvas", "DecodeDocument", "schema validation")
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
		}
		return nil, errors.WrapInvalid(fmt.Errorf("document does not match schema: %s", strings.Join(msgs, "; ")),
			"canvas", "DecodeDocument", "schema validation")
	}

	var doc Document
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, errors.WrapInvalid(err, "canvas", "DecodeDocument", "decode document")
	}
	return &doc, nil
}

// Import builds a canvas by replaying the document through a Model, so the
// same checks apply as for interactive edits. It stops at the first
// rejected block or connection.
func Import(ctx context.Context, doc *Document, registry *block.Registry, validator Validator, opts ...Option) (*Model, error) {
	cfg := DefaultConfig()
	if doc.Config != nil {
		cfg = *doc.Config
	}
	id := doc.ID
	if id == "" {
		id = uuid.New().String()
	}

	c := New(id, doc.Name, cfg)
	c.Description = doc.Description
	m := NewModel(c, registry, validator, opts...)

	for i, spec := range doc.Blocks {
		if _, err := m.AddBlock(ctx, spec); err != nil {
			return nil, fmt.Errorf("blocks[%d]: %w", i, err)
		}
	}
	for i, spec := range doc.Connections {
		if _, err := m.AddConnection(ctx, spec); err != nil {
			return nil, fmt.Errorf("connections[%d]: %w", i, err)
		}
	}
	return m, nil
}

// Export converts a canvas back into a document. Parameters are written
// as plain values.
func Export(c *Canvas) *Document {
	cfg := c.Config
	doc := &Document{ID: c.ID, Name: c.Name, Description: c.Description, Config: &cfg}
	for _, b := range c.OrderedBlocks() {
		params := make(map[string]any, len(b.Parameters))
		for name, v := range b.Parameters {
			params[name] = v.Any()
		}
		doc.Blocks = append(doc.Blocks, BlockSpec{
			ID: b.ID, Type: b.Type, Name: b.Name, Position: b.Position, Parameters: params,
		})
	}
	for _, conn := range c.OrderedConnections() {
		weight, active := conn.Weight, conn.Active
		doc.Connections = append(doc.Connections, ConnectionSpec{
			ID:            conn.ID,
			SourceBlockID: conn.SourceBlockID,
			SourcePort:    conn.SourcePort,
			TargetBlockID: conn.TargetBlockID,
			TargetPort:    conn.TargetPort,
			Weight:        &weight,
			Active:        &active,
		})
	}
	return doc
}
