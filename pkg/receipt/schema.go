package receipt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaURL = "https://ontoforge.schemas.local/receipt-1.0.0.schema.json"

// schemaJSON is the receipt document schema, version 1.0.0.
const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "timestamp", "compiler_version", "mode", "workspace", "inputs", "guards", "outputs", "performance", "artifacts", "receipt_id"],
  "properties": {
    "version": {"type": "string", "pattern": "^[0-9]+\\.[0-9]+\\.[0-9]+$"},
    "timestamp": {"type": "string", "format": "date-time"},
    "compiler_version": {"type": "string", "minLength": 1},
    "mode": {"enum": ["preview", "apply"]},
    "workspace": {
      "type": "object",
      "required": ["root", "fingerprint"],
      "properties": {
        "root": {"type": "string", "minLength": 1},
        "fingerprint": {"type": "string", "pattern": "^[0-9a-f]{64}$"}
      }
    },
    "inputs": {
      "type": "object",
      "required": ["config", "ontologies", "queries", "templates"],
      "properties": {
        "config": {"$ref": "#/$defs/fileRef"},
        "ontologies": {"type": "array", "items": {"$ref": "#/$defs/fileRef"}},
        "queries": {"type": "array", "items": {"$ref": "#/$defs/fileRef"}},
        "templates": {"type": "array", "items": {"$ref": "#/$defs/fileRef"}}
      }
    },
    "guards": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "verdict"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "verdict": {"enum": ["Pass", "Fail", "Skip"]},
          "diagnostic": {"type": "string"},
          "remediation": {"type": "string"}
        }
      }
    },
    "outputs": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["path", "hash", "size", "status"],
        "properties": {
          "path": {"type": "string", "minLength": 1},
          "hash": {"type": "string"},
          "size": {"type": "integer", "minimum": 0},
          "status": {"enum": ["written", "skipped", "planned"]},
          "language": {"type": "string"}
        }
      }
    },
    "outputs_root": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "performance": {
      "type": "object",
      "required": ["total_duration_ms", "cache_hit_rate", "stages"],
      "properties": {
        "total_duration_ms": {"type": "integer", "minimum": 0},
        "cache_hit_rate": {"type": "number", "minimum": 0, "maximum": 1},
        "stages": {"type": "object", "additionalProperties": {"type": "integer", "minimum": 0}}
      }
    },
    "artifacts": {
      "type": "object",
      "properties": {
        "report": {"type": "string"},
        "diff": {"type": "string"}
      }
    },
    "receipt_id": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "signature": {
      "type": "object",
      "required": ["algorithm", "public_key", "signature"],
      "properties": {
        "algorithm": {"enum": ["ed25519"]},
        "public_key": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
        "signature": {"type": "string", "pattern": "^[0-9a-f]{128}$"}
      }
    }
  },
  "$defs": {
    "fileRef": {
      "type": "object",
      "required": ["path", "hash", "size"],
      "properties": {
        "path": {"type": "string", "minLength": 1},
        "hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
        "size": {"type": "integer", "minimum": 0}
      }
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func compiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
			schemaErr = fmt.Errorf("load receipt schema: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(schemaURL)
	})
	return compiledSchema, schemaErr
}

// ValidateDocument checks raw receipt JSON against the 1.0.0 schema.
func ValidateDocument(data []byte) error {
	schema, err := compiled()
	if err != nil {
		return err
	}
	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("parse receipt document: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("receipt schema validation: %w", err)
	}
	return nil
}
