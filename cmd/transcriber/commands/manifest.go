package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Manifest is a batch description read by run --manifest. Relative paths
// resolve against the manifest's directory.
type Manifest struct {
	Paths     []string `yaml:"paths"`
	Format    string   `yaml:"format"`
	Device    string   `yaml:"device"`
	Model     string   `yaml:"model"`
	Language  string   `yaml:"language"`
	OutputDir string   `yaml:"output_dir"`
}

func loadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	base := filepath.Dir(path)
	for i, p := range m.Paths {
		if !filepath.IsAbs(p) {
			m.Paths[i] = filepath.Join(base, p)
		}
	}
	if m.OutputDir != "" && !filepath.IsAbs(m.OutputDir) {
		m.OutputDir = filepath.Join(base, m.OutputDir)
	}
	return m, nil
}
