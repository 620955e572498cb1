package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/goccy/go-yaml"
)

// FilePattern matches definition files below a definitions directory.
const FilePattern = "**/*.{yaml,yml,json}"

// Parse decodes a definition document. YAML is converted to JSON first so both
// formats share one strict decoder.
func Parse(data []byte, format string) (*Definition, error) {
	switch strings.ToLower(format) {
	case "yaml", "yml":
		converted, err := yaml.YAMLToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("converting yaml: %w", err)
		}
		data = converted
	case "json":
	default:
		return nil, fmt.Errorf("unsupported definition format %q", format)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var def Definition
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("decoding definition: %w", err)
	}
	return &def, nil
}

// LoadFile reads and validates one definition file.
func LoadFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition: %w", err)
	}
	def, err := Parse(data, strings.TrimPrefix(filepath.Ext(path), "."))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := Validate(def); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// LoadDir loads every definition file under dir. A missing directory yields no
// definitions. Files are returned in lexical path order; the first invalid file
// aborts the load.
func LoadDir(dir string) ([]*Definition, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}
	matches, err := doublestar.Glob(os.DirFS(dir), FilePattern)
	if err != nil {
		return nil, fmt.Errorf("failed to glob definitions: %w", err)
	}
	slices.Sort(matches)

	defs := make([]*Definition, 0, len(matches))
	for _, match := range matches {
		def, err := LoadFile(filepath.Join(dir, filepath.FromSlash(match)))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// IsDefinitionFile reports whether a path looks like a definition file.
func IsDefinitionFile(path string) bool {
	ok, _ := doublestar.Match(FilePattern, filepath.ToSlash(filepath.Base(path)))
	return ok
}
