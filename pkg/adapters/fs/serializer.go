package fs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gradkit/coedit/pkg/core"
)

// Serializer defines how a record is laid out on disk.
type Serializer interface {
	// Extension is the file suffix, including the dot.
	Extension() string
	// Marshal converts the record to bytes.
	Marshal(rec core.Record) ([]byte, error)
	// Unmarshal reads a record; id comes from the file name.
	Unmarshal(id string, data []byte) (core.Record, error)
}

// DefaultSerializers returns the supported formats keyed by extension.
func DefaultSerializers(strict bool) map[string]Serializer {
	return map[string]Serializer{
		".json": NewJSONSerializer(strict),
		".yaml": NewYAMLSerializer(),
		".yml":  &YAMLSerializer{ext: ".yml"},
	}
}

// recordFile is the on-disk shape of a record.
type recordFile struct {
	LastModifiedAt time.Time                 `json:"lastModifiedAt" yaml:"lastModifiedAt"`
	Revision       int64                     `json:"revision" yaml:"revision"`
	ActiveEditors  map[string]core.Editor    `json:"activeEditors,omitempty" yaml:"activeEditors,omitempty"`
	LockedFields   map[string]core.FieldLock `json:"lockedFields,omitempty" yaml:"lockedFields,omitempty"`
	Fields         map[string]any            `json:"fields,omitempty" yaml:"fields,omitempty"`
}

func toFile(rec core.Record) recordFile {
	return recordFile{
		LastModifiedAt: rec.LastModifiedAt,
		Revision:       rec.Revision,
		ActiveEditors:  rec.ActiveEditors,
		LockedFields:   rec.LockedFields,
		Fields:         rec.Fields,
	}
}

func (f recordFile) record(id string) core.Record {
	rec := core.NewRecord(id)
	rec.LastModifiedAt = f.LastModifiedAt
	rec.Revision = f.Revision
	for k, v := range f.ActiveEditors {
		rec.ActiveEditors[k] = v
	}
	for k, v := range f.LockedFields {
		rec.LockedFields[k] = v
	}
	for k, v := range f.Fields {
		rec.Fields[k] = v
	}
	return rec
}

// --- JSON Serializer ---

// JSONSerializer handles reading and writing JSON records.
type JSONSerializer struct {
	// Strict decodes numbers as json.Number to avoid precision loss.
	Strict bool
}

// NewJSONSerializer creates a new JSON serializer.
func NewJSONSerializer(strict bool) *JSONSerializer {
	return &JSONSerializer{Strict: strict}
}

func (s *JSONSerializer) Extension() string { return ".json" }

func (s *JSONSerializer) Marshal(rec core.Record) ([]byte, error) {
	data, err := json.MarshalIndent(toFile(rec), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return append(data, '\n'), nil
}

func (s *JSONSerializer) Unmarshal(id string, data []byte) (core.Record, error) {
	var f recordFile
	decoder := json.NewDecoder(bytes.NewReader(data))
	if s.Strict {
		decoder.UseNumber()
	}
	if err := decoder.Decode(&f); err != nil {
		return core.Record{}, fmt.Errorf("invalid json: %w", err)
	}
	return f.record(id), nil
}

// --- YAML Serializer ---

// YAMLSerializer handles reading and writing YAML records.
type YAMLSerializer struct {
	ext string
}

// NewYAMLSerializer creates a new YAML serializer writing ".yaml" files.
func NewYAMLSerializer() *YAMLSerializer {
	return &YAMLSerializer{ext: ".yaml"}
}

func (s *YAMLSerializer) Extension() string { return s.ext }

func (s *YAMLSerializer) Marshal(rec core.Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(toFile(rec)); err != nil {
		return nil, fmt.Errorf("encode yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *YAMLSerializer) Unmarshal(id string, data []byte) (core.Record, error) {
	var f recordFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return core.Record{}, fmt.Errorf("invalid yaml: %w", err)
	}
	return f.record(id), nil
}
