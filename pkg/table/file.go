package table

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mitchellh/mapstructure"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
)

// ErrInvalidDocument is returned when a persisted table cannot be used.
var ErrInvalidDocument = errors.New("invalid action table document")

const documentSchema = `{
  "type": "object",
  "properties": {
    "topics": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["type"],
        "properties": {
          "type": {"enum": ["input", "output"]},
          "description": {"type": ["string", "null"]},
          "actions": {
            "type": ["object", "null"],
            "additionalProperties": {
              "type": "object",
              "required": ["endpoint"],
              "properties": {
                "endpoint": {"type": "string"},
                "description": {"type": ["string", "null"]}
              }
            }
          }
        }
      }
    }
  }
}`

var compiledSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewStringLoader(documentSchema))
})

// Load builds the table from the defaults overlaid with the document stored at
// path. It never fails hard: when the file is missing or unusable the error is
// logged and returned alongside the default table.
func Load(path string, logger *zap.Logger) (*Table, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	raw, err := readRaw(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("no persisted action table, using defaults", zap.String("path", path))
		} else {
			logger.Error("failed to load action table, using defaults", zap.String("path", path), zap.Error(err))
		}
		return Default(), err
	}

	doc, err := merge(DefaultDocument(), raw)
	if err != nil {
		logger.Error("failed to merge action table, using defaults", zap.String("path", path), zap.Error(err))
		return Default(), err
	}

	logger.Info("loaded action table", zap.String("path", path), zap.Int("topics", len(doc.Topics)))
	return New(doc), nil
}

// LoadFile reads the document at path without overlaying it on the defaults.
func LoadFile(path string) (Document, error) {
	raw, err := readRaw(path)
	if err != nil {
		return Document{}, err
	}
	return decode(raw)
}

// Save writes the whole table to path as indented JSON. The file is replaced
// by renaming a temporary file written next to it.
func Save(t *Table, path string) error {
	t.saveMu.Lock()
	defer t.saveMu.Unlock()

	data, err := json.MarshalIndent(t.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal action table: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// readRaw reads and schema-validates the JSON object stored at path.
func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidDocument, path, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: %s: document is null", ErrInvalidDocument, path)
	}

	schema, err := compiledSchema()
	if err != nil {
		return nil, fmt.Errorf("compile action table schema: %w", err)
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidDocument, path, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("%w: %s: %s", ErrInvalidDocument, path, strings.Join(msgs, "; "))
	}
	return raw, nil
}

// merge overlays the top-level keys of raw onto the defaults. The merge is
// shallow: a persisted "topics" key replaces every default topic.
func merge(defaults Document, raw map[string]any) (Document, error) {
	base, err := toMap(defaults)
	if err != nil {
		return Document{}, err
	}
	for k, v := range raw {
		base[k] = v
	}
	return decode(base)
}

func decode(raw map[string]any) (Document, error) {
	var doc Document
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName: "json",
		Result:  &doc,
	})
	if err != nil {
		return Document{}, err
	}
	if err := dec.Decode(raw); err != nil {
		return Document{}, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	if doc.Topics == nil {
		doc.Topics = map[string]Topic{}
	}
	return doc, nil
}

func toMap(doc Document) (map[string]any, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
