package transcribe

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"transcription-engine/internal/domain"
)

// sidecarResult mirrors the JSON file written by the accelerator.
type sidecarResult struct {
	Language            string  `json:"language"`
	LanguageProbability float64 `json:"language_probability"`
	Duration            float64 `json:"duration"`
	Text                string  `json:"text"`
	Segments            []struct {
		ID    int     `json:"id"`
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
		Words []struct {
			Word        string  `json:"word"`
			Start       float64 `json:"start"`
			End         float64 `json:"end"`
			Probability float64 `json:"probability"`
		} `json:"words"`
	} `json:"segments"`
}

// decodeResult parses an accelerator JSON sidecar into a transcript.
func decodeResult(data []byte) (domain.TranscriptResult, error) {
	var raw sidecarResult
	if err := json.Unmarshal(data, &raw); err != nil {
		return domain.TranscriptResult{}, fmt.Errorf("decode result json: %w", err)
	}

	result := domain.TranscriptResult{
		Language:            raw.Language,
		LanguageProbability: raw.LanguageProbability,
		Duration:            raw.Duration,
		Segments:            make([]domain.Segment, 0, len(raw.Segments)),
	}
	for i, s := range raw.Segments {
		seg := domain.Segment{
			ID:    s.ID,
			Start: s.Start,
			End:   s.End,
			Text:  strings.TrimSpace(s.Text),
		}
		if seg.ID == 0 {
			seg.ID = i + 1
		}
		for _, w := range s.Words {
			seg.Words = append(seg.Words, domain.Word{
				Word:        w.Word,
				Start:       w.Start,
				End:         w.End,
				Probability: w.Probability,
			})
		}
		result.Segments = append(result.Segments, seg)
	}
	if len(result.Segments) == 0 && strings.TrimSpace(raw.Text) != "" {
		result.Segments = append(result.Segments, domain.Segment{
			ID:   1,
			End:  raw.Duration,
			Text: strings.TrimSpace(raw.Text),
		})
	}
	return result, nil
}

// findResultFile locates the sidecar for sourcePath in dir: the exact base
// name first, then the most recently modified JSON file.
func findResultFile(
	dir, sourcePath string,
	stat func(string) (os.FileInfo, error),
	readDir func(string) ([]os.DirEntry, error),
) (string, error) {
	base := filepath.Base(sourcePath)
	exact := filepath.Join(dir, strings.TrimSuffix(base, filepath.Ext(base))+".json")
	if info, err := stat(exact); err == nil && !info.IsDir() {
		return exact, nil
	}

	entries, err := readDir(dir)
	if err != nil {
		return "", fmt.Errorf("read working directory: %w", err)
	}
	var newest string
	var newestAt time.Time
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestAt) {
			newest = filepath.Join(dir, entry.Name())
			newestAt = info.ModTime()
		}
	}
	if newest == "" {
		return "", fmt.Errorf("no result produced in %s", dir)
	}
	return newest, nil
}
