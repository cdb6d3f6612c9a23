// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sps

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed default_schema.yaml
var defaultSchemaYAML []byte

// ErrInvalidSchema is returned when a schema fails validation.
var ErrInvalidSchema = errors.New("sps: invalid schema")

// Field names one register inside a zone.
type Field struct {
	Name    string `yaml:"name"`
	Offset  uint16 `yaml:"offset"`
	Initial uint16 `yaml:"initial,omitempty"`
}

// Zone is a contiguous block of registers with named fields.
type Zone struct {
	Address uint16  `yaml:"address"`
	Size    uint16  `yaml:"size"`
	Fields  []Field `yaml:"fields"`
}

// Field returns the field with the given name.
func (z *Zone) Field(name string) (Field, bool) {
	for _, f := range z.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Initial returns the zone image with every field at its initial value.
// Unnamed registers are zero.
func (z *Zone) Initial() []uint16 {
	values := make([]uint16, z.Size)
	for _, f := range z.Fields {
		values[f.Offset] = f.Initial
	}
	return values
}

// Named maps each field name to its value in a zone image.
func (z *Zone) Named(values []uint16) map[string]uint16 {
	named := make(map[string]uint16, len(z.Fields))
	for _, f := range z.Fields {
		if int(f.Offset) < len(values) {
			named[f.Name] = values[f.Offset]
		}
	}
	return named
}

func (z *Zone) end() int {
	return int(z.Address) + int(z.Size)
}

func (z *Zone) validate(zone string) error {
	if z.Size == 0 {
		return fmt.Errorf("%w: %s zone is empty", ErrInvalidSchema, zone)
	}
	if z.Size > 125 {
		return fmt.Errorf("%w: %s zone has %d registers, at most 125 fit one read", ErrInvalidSchema, zone, z.Size)
	}
	if z.end() > 65536 {
		return fmt.Errorf("%w: %s zone exceeds the address space", ErrInvalidSchema, zone)
	}

	names := make(map[string]bool, len(z.Fields))
	offsets := make(map[uint16]string, len(z.Fields))
	for _, f := range z.Fields {
		if f.Name == "" {
			return fmt.Errorf("%w: %s zone has a field without a name at offset %d", ErrInvalidSchema, zone, f.Offset)
		}
		if f.Offset >= z.Size {
			return fmt.Errorf("%w: %s.%s offset %d outside zone of %d registers",
				ErrInvalidSchema, zone, f.Name, f.Offset, z.Size)
		}
		if names[f.Name] {
			return fmt.Errorf("%w: duplicate field %s.%s", ErrInvalidSchema, zone, f.Name)
		}
		if other, ok := offsets[f.Offset]; ok {
			return fmt.Errorf("%w: %s.%s and %s.%s share offset %d",
				ErrInvalidSchema, zone, other, zone, f.Name, f.Offset)
		}
		names[f.Name] = true
		offsets[f.Offset] = f.Name
	}
	return nil
}

// Schema is the named register view of the SPS: a write zone of commanded
// values and a feedback zone of observed values.
type Schema struct {
	Heartbeat string `yaml:"heartbeat"`
	Write     Zone   `yaml:"write"`
	Feedback  Zone   `yaml:"feedback"`
}

// MirrorPair links a field present in both zones.
type MirrorPair struct {
	Name     string
	Write    uint16 // offset in the write zone
	Feedback uint16 // offset in the feedback zone
}

// DefaultSchema returns the built-in register map.
func DefaultSchema() *Schema {
	s, err := parseSchema(defaultSchemaYAML)
	if err != nil {
		panic(fmt.Sprintf("sps: embedded schema: %v", err))
	}
	return s
}

// LoadSchema decodes and validates a YAML schema.
func LoadSchema(r io.Reader) (*Schema, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	return parseSchema(data)
}

// LoadSchemaFile decodes and validates the YAML schema at path.
func LoadSchemaFile(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	s, err := parseSchema(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

func parseSchema(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks that both zones are well formed and disjoint and that the
// heartbeat field lives in the write zone.
func (s *Schema) Validate() error {
	if err := s.Write.validate("write"); err != nil {
		return err
	}
	if err := s.Feedback.validate("feedback"); err != nil {
		return err
	}
	if int(s.Write.Address) < s.Feedback.end() && int(s.Feedback.Address) < s.Write.end() {
		return fmt.Errorf("%w: write zone [%d, %d) overlaps feedback zone [%d, %d)", ErrInvalidSchema,
			s.Write.Address, s.Write.end(), s.Feedback.Address, s.Feedback.end())
	}
	if s.Heartbeat == "" {
		return fmt.Errorf("%w: no heartbeat field", ErrInvalidSchema)
	}
	if _, ok := s.Write.Field(s.Heartbeat); !ok {
		return fmt.Errorf("%w: heartbeat field %s not in write zone", ErrInvalidSchema, s.Heartbeat)
	}
	return nil
}

// MirrorPairs returns the fields named in both zones, in write zone order.
func (s *Schema) MirrorPairs() []MirrorPair {
	var pairs []MirrorPair
	for _, w := range s.Write.Fields {
		if fb, ok := s.Feedback.Field(w.Name); ok {
			pairs = append(pairs, MirrorPair{Name: w.Name, Write: w.Offset, Feedback: fb.Offset})
		}
	}
	return pairs
}

// Span returns the lowest address and register count covering both zones.
func (s *Schema) Span() (uint16, int) {
	lo := s.Write.Address
	if s.Feedback.Address < lo {
		lo = s.Feedback.Address
	}
	hi := s.Write.end()
	if s.Feedback.end() > hi {
		hi = s.Feedback.end()
	}
	return lo, hi - int(lo)
}

// Marshal encodes the schema as YAML.
func (s *Schema) Marshal() ([]byte, error) {
	return yaml.Marshal(s)
}
