package export

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"transcription-engine/internal/domain"
	"transcription-engine/internal/logging"
)

// Exporter writes transcripts through a registry of format writers.
type Exporter struct {
	log logrus.FieldLogger

	mu       sync.RWMutex
	byFormat map[domain.OutputFormat]Writer

	mkdirAll  func(string, os.FileMode) error
	writeFile func(string, []byte, os.FileMode) error
	rename    func(string, string) error
	remove    func(string) error
}

// New returns an exporter with every built-in format registered.
func New(logger logrus.FieldLogger) *Exporter {
	e := &Exporter{
		log:       logging.Component(logger, "export"),
		byFormat:  map[domain.OutputFormat]Writer{},
		mkdirAll:  os.MkdirAll,
		writeFile: os.WriteFile,
		rename:    os.Rename,
		remove:    os.Remove,
	}
	for _, w := range []Writer{srtWriter{}, vttWriter{}, txtWriter{}, jsonWriter{}, tsvWriter{}} {
		e.Register(w)
	}
	return e
}

// Register adds or replaces the writer for its format.
func (e *Exporter) Register(w Writer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byFormat[w.Format()] = w
}

// Get returns the writer for format.
func (e *Exporter) Get(format domain.OutputFormat) (Writer, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	w, ok := e.byFormat[format]
	return w, ok
}

// Formats lists registered formats in display order.
func (e *Exporter) Formats() []domain.OutputFormat {
	return lo.Filter(domain.SupportedFormats, func(f domain.OutputFormat, _ int) bool {
		_, ok := e.Get(f)
		return ok
	})
}

// OutputPath returns where a transcript of sourcePath in format is written.
func OutputPath(sourcePath string, format domain.OutputFormat, outputDir string) string {
	base := filepath.Base(sourcePath)
	name := strings.TrimSuffix(base, filepath.Ext(base)) + "." + string(format)
	dir := filepath.Dir(sourcePath)
	if strings.TrimSpace(outputDir) != "" {
		dir = outputDir
	}
	return filepath.Join(dir, name)
}

// Export serializes result and writes it atomically. Empty results and
// targets equal to the source file are refused.
func (e *Exporter) Export(result domain.TranscriptResult, sourcePath string, format domain.OutputFormat, outputDir string) (string, error) {
	w, ok := e.Get(format)
	if !ok {
		return "", domain.NewError(domain.KindExport, fmt.Sprintf("unsupported output format %q", format), nil)
	}
	if len(result.Segments) == 0 || strings.TrimSpace(result.Text()) == "" {
		return "", domain.NewError(domain.KindExport, "transcript is empty", nil)
	}

	target := OutputPath(sourcePath, format, outputDir)
	if samePath(target, sourcePath) {
		return "", domain.NewError(domain.KindExport, fmt.Sprintf("refusing to overwrite source file %s", sourcePath), nil)
	}

	data, err := w.Encode(result)
	if err != nil {
		return "", domain.NewError(domain.KindExport, fmt.Sprintf("encode %s", format), err)
	}
	if err := e.mkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", domain.NewError(domain.KindExport, "create output directory", err)
	}

	tmp := target + ".tmp"
	if err := e.writeFile(tmp, data, 0o644); err != nil {
		_ = e.remove(tmp)
		return "", domain.NewError(domain.KindExport, fmt.Sprintf("write %s", tmp), err)
	}
	if err := e.rename(tmp, target); err != nil {
		_ = e.remove(tmp)
		return "", domain.NewError(domain.KindExport, fmt.Sprintf("move transcript into %s", target), err)
	}

	e.log.WithFields(logrus.Fields{
		"format":   format,
		"path":     target,
		"segments": len(result.Segments),
	}).Info("transcript exported")
	return target, nil
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return strings.EqualFold(absA, absB)
}

// NewForTests creates an exporter with injectable filesystem functions.
func NewForTests(writeFile func(string, []byte, os.FileMode) error, rename func(string, string) error) *Exporter {
	e := New(nil)
	if writeFile != nil {
		e.writeFile = writeFile
	}
	if rename != nil {
		e.rename = rename
	}
	return e
}
