// Package imaging downsizes the inline image of a task before grading.
//
// A task whose markup embeds an image as a data URI wider than the
// configured threshold has that image scaled to the threshold, removed from
// the markup, and attached to the task as a separate payload. Narrower
// images are left inline.
package imaging

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"regexp"
	"strings"

	"github.com/ahrav/quizjudge/internal/domain"
	"github.com/ahrav/quizjudge/internal/llm/configuration"
	llmerrors "github.com/ahrav/quizjudge/internal/llm/errors"
)

// dataImage matches the first <img> tag whose src is a data URI; group 1 is the URI.
var dataImage = regexp.MustCompile(`(?is)<img\b[^>]*?\bsrc\s*=\s*"(data:[^"]*)"[^>]*>`)

var (
	errNotDataURI = errors.New("not a data URI")
	errNotBase64  = errors.New("data URI is not base64 encoded")
)

// Normalizer rescales oversized inline task images.
type Normalizer struct {
	// MaxWidth is the width threshold and the target width.
	MaxWidth int
	// Quality is the lossy encoder quality, 1-100.
	Quality int
	Encoder Encoder
	Logger  *slog.Logger
}

// NewNormalizer builds a normalizer from configuration with the standard encoder.
func NewNormalizer(cfg configuration.ImageConfig) *Normalizer {
	n := &Normalizer{
		MaxWidth: cfg.MaxWidth,
		Quality:  cfg.Quality,
		Encoder:  StdEncoder{},
		Logger:   slog.Default().With("component", "normalizer"),
	}
	if n.MaxWidth <= 0 {
		n.MaxWidth = configuration.DefaultMaxWidth
	}
	if n.Quality <= 0 {
		n.Quality = configuration.DefaultQuality
	}
	return n
}

// Normalize returns the task ready for grading. Tasks without an inline
// data-URI image, or whose image is narrower than MaxWidth, come back
// unchanged. A malformed URI or undecodable image is an
// ImagePreprocessingError.
func (n *Normalizer) Normalize(ctx context.Context, task domain.Task) (domain.Task, error) {
	if err := ctx.Err(); err != nil {
		return task, err
	}

	loc := dataImage.FindStringSubmatchIndex(task.Text)
	if loc == nil {
		return task, nil
	}
	uri := task.Text[loc[2]:loc[3]]

	data, _, err := DecodeDataURI(uri)
	if err != nil {
		return task, &llmerrors.ImagePreprocessingError{TaskIndex: task.Index, Reason: "malformed data URI", Cause: err}
	}

	width, err := n.Encoder.Width(data)
	if err != nil {
		return task, &llmerrors.ImagePreprocessingError{TaskIndex: task.Index, Reason: "undecodable image", Cause: err}
	}
	if width < n.MaxWidth {
		return task, nil
	}

	out, mimeType, err := n.Encoder.Resize(data, n.MaxWidth, n.Quality)
	if err != nil {
		return task, &llmerrors.ImagePreprocessingError{TaskIndex: task.Index, Reason: "re-encode failed", Cause: err}
	}

	n.logger().Debug("image normalized",
		"task_index", task.Index,
		"width", width,
		"target_width", n.MaxWidth,
		"bytes_in", len(data),
		"bytes_out", len(out),
		"mime_type", mimeType)

	text := task.Text[:loc[0]] + task.Text[loc[1]:]
	return task.WithImage(text, out, mimeType), nil
}

// StripImage removes the first inline data-URI image from the task markup.
// It lets a task with a broken image still be graded on its text.
func StripImage(task domain.Task) domain.Task {
	loc := dataImage.FindStringIndex(task.Text)
	if loc == nil {
		return task
	}
	task.Text = task.Text[:loc[0]] + task.Text[loc[1]:]
	return task
}

// DecodeDataURI decodes data:<mime>;base64,<payload> and returns the bytes
// and the declared media type. Standard base64 is tried first, then the
// URL-safe alphabet.
func DecodeDataURI(uri string) ([]byte, string, error) {
	uri = strings.TrimSpace(uri)
	if !strings.HasPrefix(uri, "data:") {
		return nil, "", errNotDataURI
	}
	idx := strings.IndexByte(uri, ',')
	if idx < 0 {
		return nil, "", errNotDataURI
	}

	meta := uri[len("data:"):idx]
	params := strings.Split(meta, ";")
	mimeType := strings.ToLower(strings.TrimSpace(params[0]))
	isBase64 := false
	for _, p := range params[1:] {
		if strings.EqualFold(strings.TrimSpace(p), "base64") {
			isBase64 = true
		}
	}
	if !isBase64 {
		return nil, mimeType, errNotBase64
	}

	payload := strings.Join(strings.Fields(uri[idx+1:]), "")
	if b, err := base64.StdEncoding.DecodeString(payload); err == nil {
		return b, mimeType, nil
	} else if b2, err2 := base64.URLEncoding.DecodeString(payload); err2 == nil {
		return b2, mimeType, nil
	} else {
		return nil, mimeType, err
	}
}

func (n *Normalizer) logger() *slog.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return slog.Default()
}
