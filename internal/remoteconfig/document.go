package remoteconfig

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"telemetry-pipeline/internal/model"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed config.schema.json
var configSchema []byte

// ProtocolError reports a response body that is not a usable document.
// The HTTP status still decides what happens to the uploaded rows.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("unusable collector response: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

var compileSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	var schemaDoc any
	if err := json.Unmarshal(configSchema, &schemaDoc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("config.schema.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile("config.schema.json")
})

// ParseDocument validates body against the config schema and decodes it.
func ParseDocument(body []byte) (model.ConfigDocument, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return model.ConfigDocument{}, &ProtocolError{Err: errors.New("empty body")}
	}

	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return model.ConfigDocument{}, &ProtocolError{Err: err}
	}
	schema, err := compileSchema()
	if err != nil {
		return model.ConfigDocument{}, fmt.Errorf("compile config schema: %w", err)
	}
	if err := schema.Validate(payload); err != nil {
		return model.ConfigDocument{}, &ProtocolError{Err: err}
	}

	var doc model.ConfigDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return model.ConfigDocument{}, &ProtocolError{Err: err}
	}
	return doc, nil
}
