package repoindex

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/open-edge-platform/apk-fetcher/internal/apkpackage"
)

// The schemas pin down the envelope only; unknown fields are allowed so
// newer index revisions keep working.
const (
	schemaV1    = "index-v1.schema.json"
	schemaV2    = "index-v2.schema.json"
	schemaEntry = "entry.schema.json"
)

var schemaSources = map[string]string{
	schemaV1: `{
  "type": "object",
  "required": ["repo", "packages"],
  "properties": {
    "repo": {
      "type": "object",
      "required": ["address"],
      "properties": {
        "address": {"type": "string", "minLength": 1},
        "timestamp": {"type": "integer"},
        "mirrors": {"type": "array", "items": {"type": "string"}}
      }
    },
    "packages": {
      "type": "object",
      "additionalProperties": {
        "type": "array",
        "items": {
          "type": "object",
          "required": ["apkName", "versionCode"],
          "properties": {
            "apkName": {"type": "string", "minLength": 1},
            "versionCode": {"type": "integer"},
            "versionName": {"type": "string"},
            "hash": {"type": "string"},
            "size": {"type": "integer", "minimum": 0},
            "nativecode": {"type": "array", "items": {"type": "string"}}
          }
        }
      }
    }
  }
}`,
	schemaV2: `{
  "type": "object",
  "required": ["repo", "packages"],
  "properties": {
    "repo": {
      "type": "object",
      "properties": {
        "address": {"type": "string"},
        "timestamp": {"type": "integer"},
        "mirrors": {"type": "array", "items": {"type": "object", "required": ["url"]}}
      }
    },
    "packages": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "properties": {
          "versions": {
            "type": "object",
            "additionalProperties": {
              "type": "object",
              "required": ["file", "manifest"],
              "properties": {
                "file": {
                  "type": "object",
                  "required": ["name"],
                  "properties": {
                    "name": {"type": "string", "minLength": 1},
                    "sha256": {"type": "string"},
                    "size": {"type": "integer", "minimum": 0}
                  }
                },
                "manifest": {
                  "type": "object",
                  "required": ["versionCode"],
                  "properties": {
                    "versionCode": {"type": "integer"},
                    "versionName": {"type": "string"}
                  }
                }
              }
            }
          }
        }
      }
    }
  }
}`,
	schemaEntry: `{
  "type": "object",
  "required": ["index"],
  "properties": {
    "timestamp": {"type": "integer"},
    "version": {"type": "integer"},
    "index": {
      "type": "object",
      "required": ["name", "sha256"],
      "properties": {
        "name": {"type": "string", "pattern": "^/?[A-Za-z0-9_-][A-Za-z0-9._-]*$"},
        "sha256": {"type": "string", "pattern": "^[0-9a-fA-F]{64}$"}
      }
    }
  }
}`,
}

var (
	compileOnce sync.Once
	compiled    map[string]*jsonschema.Schema
	compileErr  error
)

func schemas() (map[string]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		for name, src := range schemaSources {
			if err := c.AddResource(name, strings.NewReader(src)); err != nil {
				compileErr = err
				return
			}
		}
		compiled = make(map[string]*jsonschema.Schema, len(schemaSources))
		for name := range schemaSources {
			s, err := c.Compile(name)
			if err != nil {
				compileErr = err
				return
			}
			compiled[name] = s
		}
	})
	return compiled, compileErr
}

// validate checks the JSON document against the named envelope schema. A
// document that does not match is an upstream protocol problem.
func validate(name string, data []byte) error {
	all, err := schemas()
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return apkpackage.Wrap(apkpackage.SourceUnavailable, err, "index is not valid JSON")
	}
	if err := all[name].Validate(doc); err != nil {
		return apkpackage.Wrap(apkpackage.SourceUnavailable, err, "index does not match %s", name)
	}
	return nil
}
