package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/samber/lo"

	"transcription-engine/internal/domain"
)

// modelDirPrefix is the directory naming used for converted CTranslate2 weights.
const modelDirPrefix = "faster-whisper-"

// modelWeightsFile must exist with a non-zero size for a model to count as present.
const modelWeightsFile = "model.bin"

var presets = []domain.ModelOption{
	{Name: "tiny", Label: "Tiny", SizeLabel: "~75 MB", Description: "Fastest multilingual model."},
	{Name: "tiny.en", Label: "Tiny (English)", SizeLabel: "~75 MB", Description: "Fastest, English-only model."},
	{Name: "base", Label: "Base", SizeLabel: "~145 MB", Description: "Balanced speed/quality, multilingual."},
	{Name: "base.en", Label: "Base (English)", SizeLabel: "~145 MB", Description: "Balanced speed/quality, English-only."},
	{Name: "small", Label: "Small", SizeLabel: "~485 MB", Description: "Higher quality multilingual model."},
	{Name: "small.en", Label: "Small (English)", SizeLabel: "~485 MB", Description: "Higher quality, English-only."},
	{Name: "medium", Label: "Medium", SizeLabel: "~1.5 GB", Description: "High quality multilingual model."},
	{Name: "medium.en", Label: "Medium (English)", SizeLabel: "~1.5 GB", Description: "High quality, English-only."},
	{Name: "large-v2", Label: "Large v2", SizeLabel: "~3.1 GB", Description: "Very high quality multilingual model."},
	{Name: "large-v3", Label: "Large v3", SizeLabel: "~3.1 GB", Description: "Latest large multilingual model."},
	{Name: "large-v3-turbo", Label: "Large v3 Turbo", SizeLabel: "~1.6 GB", Description: "Faster large-v3 variant."},
}

// Catalog resolves faster-whisper model names under one models directory.
type Catalog struct {
	mu   sync.RWMutex
	root string
	stat func(string) (os.FileInfo, error)
}

// New creates a catalog rooted at modelsDir.
func New(modelsDir string) *Catalog {
	return &Catalog{root: strings.TrimSpace(modelsDir), stat: os.Stat}
}

// Root returns the models directory.
func (c *Catalog) Root() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.root
}

// SetRoot moves the catalog to another models directory.
func (c *Catalog) SetRoot(modelsDir string) {
	c.mu.Lock()
	c.root = strings.TrimSpace(modelsDir)
	c.mu.Unlock()
}

// Resolve reports where model name lives and whether its weights are present.
// Unknown names are still resolved so custom conversions can be used.
func (c *Catalog) Resolve(name string) (domain.ModelLocation, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return domain.ModelLocation{}, fmt.Errorf("model name is required")
	}
	if strings.ContainsAny(trimmed, `/\`) || trimmed == "." || trimmed == ".." {
		return domain.ModelLocation{}, fmt.Errorf("invalid model name: %s", trimmed)
	}
	root := c.Root()
	if root == "" {
		return domain.ModelLocation{Name: trimmed}, fmt.Errorf("models directory is not configured")
	}

	dir := filepath.Join(root, modelDirPrefix+trimmed)
	return domain.ModelLocation{
		Name:   trimmed,
		Path:   dir,
		Exists: c.hasWeights(dir),
	}, nil
}

func (c *Catalog) hasWeights(dir string) bool {
	info, err := c.stat(filepath.Join(dir, modelWeightsFile))
	return err == nil && !info.IsDir() && info.Size() > 0
}

// List returns every preset with its download state.
func (c *Catalog) List() []domain.ModelOption {
	return lo.Map(presets, func(m domain.ModelOption, _ int) domain.ModelOption {
		if loc, err := c.Resolve(m.Name); err == nil && loc.Exists {
			m.Downloaded = true
			m.LocalPath = loc.Path
		}
		return m
	})
}

// Known reports whether name is one of the built-in presets.
func Known(name string) bool {
	return lo.ContainsBy(presets, func(m domain.ModelOption) bool { return m.Name == name })
}

// NewForTests creates a catalog with an injected stat function.
func NewForTests(modelsDir string, stat func(string) (os.FileInfo, error)) *Catalog {
	c := New(modelsDir)
	if stat != nil {
		c.stat = stat
	}
	return c
}
