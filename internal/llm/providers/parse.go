package providers

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ahrav/quizjudge/internal/domain"
	llmerrors "github.com/ahrav/quizjudge/internal/llm/errors"
)

var (
	resultTag      = regexp.MustCompile(`(?is)<result>(.+?)</result>`)
	explanationTag = regexp.MustCompile(`(?is)<explanation>(.+?)</explanation>`)
)

// ParseVerdict extracts the first <result> and <explanation> pair from raw
// backend output. Tags match case-insensitively and may span lines.
// It satisfies transport.OutputParser.
func ParseVerdict(provider, raw string) (domain.Verdict, error) {
	malformed := func(field, reason string) error {
		return &llmerrors.MalformedOutputError{
			Provider: provider,
			Field:    field,
			Reason:   reason,
			Output:   raw,
		}
	}

	m := resultTag.FindStringSubmatch(raw)
	if m == nil {
		return domain.Verdict{}, malformed("result", "missing <result></result> tags")
	}
	result, err := DecodeResult(strings.TrimSpace(m[1]))
	if err != nil {
		return domain.Verdict{}, malformed("result", err.Error())
	}

	m = explanationTag.FindStringSubmatch(raw)
	if m == nil {
		return domain.Verdict{}, malformed("explanation", "missing <explanation></explanation> tags")
	}

	v := domain.Verdict{Result: result, Explanation: strings.TrimSpace(m[1])}
	if err := v.Validate(); err != nil {
		return domain.Verdict{}, malformed("explanation", err.Error())
	}
	return v, nil
}

// DecodeResult accepts exactly "true", "TRUE", "false", "FALSE" or a bool.
func DecodeResult(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		switch x {
		case "true", "TRUE":
			return true, nil
		case "false", "FALSE":
			return false, nil
		}
		return false, fmt.Errorf("invalid result value %q", x)
	default:
		return false, fmt.Errorf("invalid result type %T", v)
	}
}
