package dispatch

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/featurepipe/internal/errors"
)

func TestValidateResult(t *testing.T) {
	tests := []struct {
		name        string
		data        string
		wantSuccess bool
		wantErr     []string
	}{
		{
			name:        "success shape",
			data:        `{"type":"result","subtype":"success","duration_ms":1200,"num_turns":3}`,
			wantSuccess: true,
		},
		{
			name:        "success with session and usage",
			data:        `{"type":"result","subtype":"success","duration_ms":1,"num_turns":1,"session_id":"s","modelUsage":{"m":{}}}`,
			wantSuccess: true,
		},
		{
			name:        "raw claude result event",
			data:        `{"type":"result","subtype":"success","is_error":false,"duration_ms":1,"duration_api_ms":1,"num_turns":1,"result":"ok","session_id":"s","total_cost_usd":0.1,"usage":{}}`,
			wantSuccess: true,
		},
		{
			name: "failure shape",
			data: `{"status":"failed","exitCode":1,"attempts":3,"lastError":"exit status 1"}`,
		},
		{
			name:    "plausible but wrong shape",
			data:    `{"status":"completed","artifacts":["spec.md"],"summary":"wrote the spec"}`,
			wantErr: []string{"artifacts", "summary", `"completed"`},
		},
		{
			name:    "string exit code",
			data:    `{"status":"failed","exitCode":"1","attempts":3,"lastError":"x"}`,
			wantErr: []string{"exitCode", "number"},
		},
		{
			name:        "bare result event",
			data:        `{"type":"result","subtype":"success"}`,
			wantSuccess: true,
		},
		{
			name:        "result event with unknown fields",
			data:        `{"type":"result","subtype":"success","num_turns":1,"stop_reason":"end_turn","artifacts":[]}`,
			wantSuccess: true,
		},
		{
			name:    "result with string session id",
			data:    `{"type":"result","session_id":42}`,
			wantErr: []string{"session_id", "string"},
		},
		{
			name:    "result with list model usage",
			data:    `{"type":"result","modelUsage":[]}`,
			wantErr: []string{"modelUsage", "object"},
		},
		{
			name:    "failure with extra field",
			data:    `{"status":"failed","exitCode":1,"attempts":1,"lastError":"x","summary":"y"}`,
			wantErr: []string{"unexpected fields: summary"},
		},
		{
			name:    "not an object",
			data:    `["type","result"]`,
			wantErr: []string{"not a JSON object"},
		},
		{
			name:    "empty object",
			data:    `{}`,
			wantErr: []string{"neither a success result"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			success, err := ValidateResult([]byte(tt.data))
			if len(tt.wantErr) == 0 {
				require.NoError(t, err)
				assert.Equal(t, tt.wantSuccess, success)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrInvalidResult))
			for _, want := range tt.wantErr {
				assert.Contains(t, err.Error(), want)
			}
		})
	}
}

func TestWrittenResultsValidate(t *testing.T) {
	fs := afero.NewMemMapFs()
	out := &Outcome{
		Status:   StatusSuccess,
		Duration: 1500 * time.Millisecond,
		Attempts: 1,
		Result:   map[string]any{"subtype": "success", "num_turns": float64(7), "modelUsage": map[string]any{"sonnet": map[string]any{}}},
	}

	path := ResultPath("/feat", "plan", "")
	require.NoError(t, WriteResult(fs, path, NewSuccessResult(out)))
	ok, err := ReadResult(fs, path)
	require.NoError(t, err)
	assert.True(t, ok)

	failed := &Outcome{Status: StatusExitError, ExitCode: 2, Attempts: 3, Error: "exit status 2"}
	path = ResultPath("/feat", "planreview", "skeptic")
	assert.Equal(t, "/feat/.featurepipe/results/planreview--skeptic.json", path)
	require.NoError(t, WriteResult(fs, path, NewFailureResult(failed, nil)))
	ok, err = ReadResult(fs, path)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReadResultMissing(t *testing.T) {
	_, err := ReadResult(afero.NewMemMapFs(), "/nope.json")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrResultMissing))
}
