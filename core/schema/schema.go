/*Package schema validates JSON documents against JSON schemas

Every schema must carry an "$id". Schemas may reference each other by id; all
schemas handed to one Validator are loaded into the same schema loader.
*/
package schema

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/goccy/go-json"

	"github.com/xeipuuv/gojsonschema"
)

// Validator is a utility to validate JSON documents against a set of schemas
type Validator struct {
	schemas map[string]*gojsonschema.Schema
}

// NewValidatorFromFS creates a validator from all *.json files in dir of fsys
func NewValidatorFromFS(fsys fs.FS, dir string) (*Validator, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("cannot read dir %s: %w", dir, err)
	}
	var schemas []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("cannot read file '%s': %w", e.Name(), err)
		}
		schemas = append(schemas, string(data))
	}
	return NewValidator(schemas...)
}

// NewValidator compiles the given schemas
func NewValidator(schemas ...string) (*Validator, error) {
	type header struct {
		ID string `json:"$id"`
	}
	ids := make([]string, 0, len(schemas))
	sl := gojsonschema.NewSchemaLoader()
	for _, str := range schemas {
		h := header{}
		if err := json.Unmarshal([]byte(str), &h); err != nil {
			return nil, fmt.Errorf("parse error '%v' in schema: '%s'", err, str)
		}
		if h.ID == "" {
			return nil, fmt.Errorf("schema does not contain $id: '%s'", str)
		}
		if err := sl.AddSchemas(gojsonschema.NewStringLoader(str)); err != nil {
			return nil, fmt.Errorf("cannot add schema %s: %w", h.ID, err)
		}
		ids = append(ids, h.ID)
	}

	v := &Validator{schemas: make(map[string]*gojsonschema.Schema, len(ids))}
	for _, id := range ids {
		compiled, err := sl.Compile(gojsonschema.NewReferenceLoader(id))
		if err != nil {
			return nil, fmt.Errorf("cannot compile schema %s: %w", id, err)
		}
		v.schemas[id] = compiled
	}
	return v, nil
}

// HasSchema returns true if schemaID is known
func (v *Validator) HasSchema(schemaID string) bool {
	_, ok := v.schemas[schemaID]
	return ok
}

// ValidateBytes validates a raw JSON document against schemaID. A nil error
// means the document is valid.
func (v *Validator) ValidateBytes(schemaID string, document []byte) error {
	compiled, ok := v.schemas[schemaID]
	if !ok {
		return fmt.Errorf("there is no schema %s", schemaID)
	}

	result, err := compiled.Validate(gojsonschema.NewBytesLoader(document))
	if err != nil {
		return fmt.Errorf("cannot validate with schema %s: %w", schemaID, err)
	}

	if !result.Valid() {
		msg := "the document is not valid:"
		for _, e := range result.Errors() {
			msg += "\n- " + e.String()
		}
		return errors.New(msg)
	}
	return nil
}
