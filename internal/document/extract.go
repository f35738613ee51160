// Package document turns uploaded test documents into ordered grading tasks.
//
// Documents are first converted to markup (docx uploads through
// DocxConverter), then split into tasks: every ordered-list start marker opens
// a new task and everything before the first marker is the title.
package document

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"github.com/ahrav/quizjudge/internal/domain"
	llmerrors "github.com/ahrav/quizjudge/internal/llm/errors"
)

// olStart matches an ordered-list start tag, with or without attributes.
var olStart = regexp.MustCompile(`(?i)<ol[\s/>]`)

// ExtractTasks splits markup immediately before every <ol> start marker,
// drops the leading segment and returns one task per remaining segment.
// Markup without any <ol> yields no tasks.
func ExtractTasks(markup string) []domain.Task {
	locs := olStart.FindAllStringIndex(markup, -1)
	tasks := make([]domain.Task, 0, len(locs))
	for i, loc := range locs {
		end := len(markup)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		tasks = append(tasks, domain.Task{Index: i, Text: markup[loc[0]:end]})
	}
	return tasks
}

// Extractor converts uploads and extracts their tasks.
type Extractor struct {
	// MaxBytes caps the upload size read by ExtractFile; zero means no cap.
	MaxBytes int64
	Logger   *slog.Logger
}

// NewExtractor creates an extractor with the default logger.
func NewExtractor(maxBytes int64) *Extractor {
	return &Extractor{
		MaxBytes: maxBytes,
		Logger:   slog.Default().With("component", "extractor"),
	}
}

// Extract returns the tasks of markup. Empty markup has no document
// structure at all and is an ExtractionError; a document without lists simply
// has zero tasks.
func (e *Extractor) Extract(_ context.Context, markup string) ([]domain.Task, error) {
	if strings.TrimSpace(markup) == "" {
		return nil, &llmerrors.ExtractionError{Reason: "document is empty"}
	}
	tasks := ExtractTasks(markup)
	e.logger().Debug("tasks extracted", "tasks", len(tasks), "markup_bytes", len(markup))
	return tasks, nil
}

// ExtractFile reads an upload, converts it by file name and extracts its tasks.
func (e *Extractor) ExtractFile(ctx context.Context, filename string, r io.Reader) ([]domain.Task, error) {
	conv, err := ConverterFor(filename)
	if err != nil {
		return nil, &llmerrors.ExtractionError{Reason: "unsupported document", Cause: err}
	}

	if e.MaxBytes > 0 {
		r = io.LimitReader(r, e.MaxBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, &llmerrors.ExtractionError{Reason: "failed to read upload", Cause: err}
	}
	if e.MaxBytes > 0 && int64(len(data)) > e.MaxBytes {
		return nil, &llmerrors.ExtractionError{
			Reason: fmt.Sprintf("upload exceeds %d bytes", e.MaxBytes),
		}
	}

	markup, err := conv.Convert(ctx, data)
	if err != nil {
		return nil, &llmerrors.ExtractionError{Reason: "failed to convert " + filename, Cause: err}
	}
	return e.Extract(ctx, markup)
}

func (e *Extractor) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}
