package bootstrap

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Seed is the initial file contents loaded into replicas at startup
type Seed struct {
	Files []SeedFile `yaml:"files"`
}

// SeedFile is one initial file. An empty Sites list seeds every replica.
type SeedFile struct {
	Name    string   `yaml:"name"`
	Content string   `yaml:"content"`
	Version uint64   `yaml:"version"`
	Sites   []string `yaml:"sites,omitempty"`
}

// DefaultSeed returns the three demo files at version 1
func DefaultSeed() *Seed {
	return &Seed{Files: []SeedFile{
		{Name: "file1.txt", Content: "Initial content of file1", Version: 1},
		{Name: "file2.txt", Content: "Initial content of file2", Version: 1},
		{Name: "file3.txt", Content: "Initial content of file3", Version: 1},
	}}
}

// LoadSeed reads a seed document from path
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file %s: %w", path, err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes and validates a YAML seed document
func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}

	seen := make(map[string]bool, len(seed.Files))
	for i := range seed.Files {
		f := &seed.Files[i]
		if f.Name == "" {
			return nil, fmt.Errorf("seed file %d: name is required", i)
		}
		if seen[f.Name] {
			return nil, fmt.Errorf("seed file %s listed more than once", f.Name)
		}
		seen[f.Name] = true
		if f.Version == 0 {
			f.Version = 1
		}
	}
	return &seed, nil
}
