package domain //nolint:testpackage // Need access to unexported validate

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestVerdict_Validate verifies that Verdict.Validate() enforces a non-blank
// explanation regardless of the boolean outcome.
func TestVerdict_Validate(t *testing.T) {
	tests := []struct {
		name    string
		verdict Verdict
		wantErr bool
	}{
		{"valid true", Verdict{Result: true, Explanation: "Відповідь Б правильна."}, false},
		{"valid false", Verdict{Result: false, Explanation: "x"}, false},
		{"empty explanation", Verdict{Result: true}, true},
		{"whitespace explanation", Verdict{Result: true, Explanation: " \n\t "}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.verdict.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidVerdict)
				return
			}
			require.NoError(t, err)
		})
	}
}

// TestVerdict_JSONShape pins the stream wire format to exactly two fields.
func TestVerdict_JSONShape(t *testing.T) {
	raw, err := json.Marshal(Verdict{Result: true, Explanation: "X"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":true,"explanation":"X"}`, string(raw))
}

// TestTask_Validate checks the image/MIME pairing invariant in both directions.
func TestTask_Validate(t *testing.T) {
	tests := []struct {
		name    string
		task    Task
		wantErr bool
	}{
		{"text only", Task{Text: "<ol><li>q</li></ol>"}, false},
		{"image with mime", Task{Image: []byte{1}, ImageMIMEType: "image/png"}, false},
		{"image without mime", Task{Image: []byte{1}}, true},
		{"mime without image", Task{ImageMIMEType: "image/png"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTask)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, len(tt.task.Image) > 0, tt.task.HasImage())
		})
	}
}

func TestTask_WithImageKeepsIndex(t *testing.T) {
	orig := Task{Index: 4, Text: `<ol><li><img src="data:..."/>q</li></ol>`}
	got := orig.WithImage("<ol><li>q</li></ol>", []byte{0x89}, "image/png")

	assert.Equal(t, 4, got.Index)
	assert.True(t, got.HasImage())
	assert.False(t, orig.HasImage(), "original task must not be mutated")
}

func TestTask_Preview(t *testing.T) {
	task := Task{Text: "Яка швидкість тіла?"}
	assert.Equal(t, "Яка…", task.Preview(3))
	assert.Equal(t, task.Text, task.Preview(100))
	assert.Empty(t, task.Preview(0))
}
