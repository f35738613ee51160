package document

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// ErrUnsupportedFormat indicates an upload whose format has no converter.
var ErrUnsupportedFormat = errors.New("unsupported document format")

// Converter turns raw upload bytes into markup.
type Converter interface {
	Convert(ctx context.Context, data []byte) (string, error)
}

// MarkupConverter passes HTML and plain text uploads through unchanged.
type MarkupConverter struct{}

// Convert implements Converter.
func (MarkupConverter) Convert(_ context.Context, data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", errors.New("markup is not valid UTF-8")
	}
	return string(data), nil
}

// ConverterFor picks a converter by file extension.
func ConverterFor(filename string) (Converter, error) {
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".docx":
		return DocxConverter{}, nil
	case ".html", ".htm", ".txt":
		return MarkupConverter{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}
