package domain

import (
	"fmt"
	"unicode/utf8"
)

// Task is one self-contained gradable question extracted from a test document.
// Text carries the raw markup of the question block. When the question carries
// an image separately from its text, Image holds the encoded bytes and
// ImageMIMEType its IANA media type; the two are set together or not at all.
type Task struct {
	// Index is the zero-based position of the task in its source document.
	Index int `json:"index"`

	// Text is the question markup, including the answer options.
	Text string `json:"text"`

	// Image is the encoded image payload, if any.
	Image []byte `json:"-"`

	// ImageMIMEType is the media type of Image, e.g. "image/png".
	ImageMIMEType string `json:"image_mime_type,omitempty"`
}

// HasImage reports whether the task carries a separate image payload.
func (t Task) HasImage() bool {
	return len(t.Image) > 0 && t.ImageMIMEType != ""
}

// Validate checks the image/MIME pairing invariant.
func (t Task) Validate() error {
	if (len(t.Image) > 0) != (t.ImageMIMEType != "") {
		return fmt.Errorf("%w: task %d has image=%t mime=%q",
			ErrInvalidTask, t.Index, len(t.Image) > 0, t.ImageMIMEType)
	}
	return nil
}

// WithImage returns a copy of the task whose text is replaced and which carries
// the given image payload.
func (t Task) WithImage(text string, image []byte, mimeType string) Task {
	return Task{
		Index:         t.Index,
		Text:          text,
		Image:         image,
		ImageMIMEType: mimeType,
	}
}

// Preview returns at most n runes of the task text for log lines.
func (t Task) Preview(n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(t.Text) <= n {
		return t.Text
	}
	runes := []rune(t.Text)
	return string(runes[:n]) + "…"
}
