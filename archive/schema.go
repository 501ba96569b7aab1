package archive

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const sidecarSchemaURL = "https://imap-archive.local/sidecar.schema.json"

// sidecarSchema describes the .meta.json files written next to every
// archived message. Recovery trusts only sidecars that satisfy it.
const sidecarSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["identity", "folder", "date", "archived_at", "filename"],
  "properties": {
    "identity":        {"type": "string", "minLength": 1, "pattern": "\\S"},
    "folder":          {"type": "string", "minLength": 1},
    "subject":         {"type": "string"},
    "from":            {"type": "string"},
    "to":              {"type": ["array", "null"], "items": {"type": "string"}},
    "date":            {"type": "string"},
    "archived_at":     {"type": "string"},
    "has_attachments": {"type": "boolean"},
    "uid":             {"type": "integer", "minimum": 0},
    "uid_validity":    {"type": "integer", "minimum": 0},
    "size":            {"type": "integer", "minimum": 0},
    "filename":        {"type": "string", "minLength": 1}
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func sidecarValidator() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(sidecarSchema))
		if err != nil {
			schemaErr = fmt.Errorf("parse sidecar schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(sidecarSchemaURL, doc); err != nil {
			schemaErr = fmt.Errorf("add sidecar schema: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(sidecarSchemaURL)
	})
	return compiledSchema, schemaErr
}

// validateSidecar checks raw sidecar JSON against the sidecar schema.
func validateSidecar(data []byte) error {
	sch, err := sidecarValidator()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	return sch.Validate(inst)
}
