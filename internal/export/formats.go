package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"transcription-engine/internal/domain"
	"transcription-engine/internal/progress"
)

// Writer serializes a transcript into one output format.
type Writer interface {
	Format() domain.OutputFormat
	Encode(result domain.TranscriptResult) ([]byte, error)
}

type srtWriter struct{}

func (srtWriter) Format() domain.OutputFormat { return domain.FormatSRT }

func (srtWriter) Encode(result domain.TranscriptResult) ([]byte, error) {
	var buf bytes.Buffer
	for i, seg := range result.Segments {
		fmt.Fprintf(&buf, "%d\n%s --> %s\n%s\n\n",
			i+1,
			progress.FormatClock(seg.Start, ','),
			progress.FormatClock(seg.End, ','),
			strings.TrimSpace(seg.Text),
		)
	}
	return buf.Bytes(), nil
}

type vttWriter struct{}

func (vttWriter) Format() domain.OutputFormat { return domain.FormatVTT }

func (vttWriter) Encode(result domain.TranscriptResult) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("WEBVTT\n\n")
	for i, seg := range result.Segments {
		fmt.Fprintf(&buf, "%d\n%s --> %s\n%s\n\n",
			i+1,
			progress.FormatClock(seg.Start, '.'),
			progress.FormatClock(seg.End, '.'),
			strings.TrimSpace(seg.Text),
		)
	}
	return buf.Bytes(), nil
}

type txtWriter struct{}

func (txtWriter) Format() domain.OutputFormat { return domain.FormatTXT }

func (txtWriter) Encode(result domain.TranscriptResult) ([]byte, error) {
	var buf bytes.Buffer
	for _, seg := range result.Segments {
		buf.WriteString(strings.TrimSpace(seg.Text))
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

type jsonWriter struct{}

func (jsonWriter) Format() domain.OutputFormat { return domain.FormatJSON }

type jsonDocument struct {
	Segments            []domain.Segment `json:"segments"`
	Language            string           `json:"language"`
	LanguageProbability float64          `json:"language_probability"`
	Duration            float64          `json:"duration"`
	SourceFile          string           `json:"source_file"`
}

func (jsonWriter) Encode(result domain.TranscriptResult) ([]byte, error) {
	doc := jsonDocument{
		Segments:            result.Segments,
		Language:            result.Language,
		LanguageProbability: result.LanguageProbability,
		Duration:            result.Duration,
		SourceFile:          result.SourcePath,
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type tsvWriter struct{}

func (tsvWriter) Format() domain.OutputFormat { return domain.FormatTSV }

func (tsvWriter) Encode(result domain.TranscriptResult) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("start\tend\ttext\n")
	for _, seg := range result.Segments {
		text := strings.NewReplacer("\t", " ", "\n", " ").Replace(strings.TrimSpace(seg.Text))
		fmt.Fprintf(&buf, "%s\t%s\t%s\n", seconds(seg.Start), seconds(seg.End), text)
	}
	return buf.Bytes(), nil
}

func seconds(v float64) string {
	if v < 0 {
		v = 0
	}
	return strconv.FormatFloat(v, 'f', 3, 64)
}
