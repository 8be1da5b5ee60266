package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/xonfour/horizont-sub000/errors"
)

// snapshotSchema is the JSON schema of the snapshot document
const snapshotSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "version": {"type": "integer", "minimum": 0},
    "components": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["id", "kind", "type"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "kind": {"enum": ["module", "control_interface"]},
          "type": {"type": "string", "minLength": 1},
          "name": {"type": "string"},
          "rights": {"type": "integer", "minimum": 0},
          "settings": {
            "type": ["object", "null"],
            "additionalProperties": {"type": "string"}
          }
        }
      }
    },
    "connections": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["consumer", "supplier"],
        "properties": {
          "consumer": {"$ref": "#/definitions/endpoint"},
          "supplier": {"$ref": "#/definitions/endpoint"},
          "priority": {"type": "integer", "minimum": 0}
        }
      }
    }
  },
  "definitions": {
    "endpoint": {
      "type": "object",
      "additionalProperties": false,
      "required": ["module", "port"],
      "properties": {
        "module": {"type": "string", "minLength": 1},
        "port": {"type": "string", "minLength": 1}
      }
    }
  }
}`

var snapshotSchemaLoader = gojsonschema.NewStringLoader(snapshotSchema)

// validateDocument checks a decoded snapshot document against the snapshot
// schema. Violations match errors.ErrInvalidData.
func validateDocument(doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrInvalidData, err), "Snapshot", "Validate", "encode document")
	}

	result, err := gojsonschema.Validate(snapshotSchemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrInvalidData, err), "Snapshot", "Validate", "schema check")
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		problems = append(problems, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s", errors.ErrInvalidData, strings.Join(problems, "; ")),
		"Snapshot", "Validate", "schema check")
}
