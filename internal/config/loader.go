package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/hashicorp/hcl/v2/hclwrite"
)

// LoadFile loads, defaults and validates the config at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Load(data, path)
}

// LoadOrDefault loads path, falling back to defaults when path is the
// default location and nothing is there.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	cfg, err := LoadFile(path)
	if err != nil && path == DefaultPath && errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Load decodes HCL (or HCL's JSON syntax for .json files) from data.
func Load(data []byte, filename string) (*Config, error) {
	// hclsimple picks the syntax from the file suffix.
	name := filename
	if ext := strings.ToLower(filepath.Ext(name)); ext != ".hcl" && ext != ".json" {
		name += ".hcl"
	}

	var cfg Config
	if err := hclsimple.Decode(name, data, nil, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	version, err := ParseVersion(cfg.SchemaVersion)
	if err != nil {
		return nil, fmt.Errorf("invalid schema version: %w", err)
	}
	if !IsSupportedVersion(version) {
		return nil, fmt.Errorf("unsupported config schema version %s (supported: %v)",
			version, SupportedVersions)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", filename, err)
	}
	return &cfg, nil
}

// GenerateHCL renders cfg as HCL.
func GenerateHCL(cfg *Config) []byte {
	f := hclwrite.NewEmptyFile()
	gohcl.EncodeIntoBody(cfg, f.Body())
	return f.Bytes()
}
