package review

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testFeatureDir = "/work/feat"

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestOpenLogMissingIsEmpty(t *testing.T) {
	log, err := OpenLog(afero.NewMemMapFs(), testFeatureDir, "planreview")
	require.NoError(t, err)
	assert.Empty(t, log.Entries())
	assert.Equal(t, 0, log.LastIteration())
	assert.Equal(t, 1, log.NextIssueID("PR"))
	assert.Equal(t, "/work/feat/.featurepipe/reviews/planreview.jsonl", log.Path())
}

func TestLogAppendAndReopen(t *testing.T) {
	fs := afero.NewMemMapFs()
	log, err := OpenLog(fs, testFeatureDir, "planreview")
	require.NoError(t, err)

	require.NoError(t, log.Append(LogEntry{
		Iteration: 1,
		Issues: []Issue{
			{ID: "PR-001", Severity: SeverityHigh, Description: "No rollback", Location: "plan.md#rollout"},
			{ID: "PR-004", Severity: SeverityLow, Description: "Typo", Location: "plan.md:3"},
			{ID: "CR-009", Severity: SeverityLow, Description: "Other prefix", Location: "x.go"},
		},
		Fixed: []FixedIssue{{ID: "PR-001", Severity: SeverityHigh, Description: "No rollback"}},
		At:    testNow,
	}))
	require.NoError(t, log.Append(LogEntry{
		Iteration: 2,
		Fixed:     []FixedIssue{{ID: "PR-001", Severity: SeverityHigh, Description: "No rollback"}},
		At:        testNow,
	}))

	reopened, err := OpenLog(fs, testFeatureDir, "planreview")
	require.NoError(t, err)
	require.Len(t, reopened.Entries(), 2)
	assert.Equal(t, 2, reopened.LastIteration())
	assert.Equal(t, 4, reopened.MaxIssueID("PR"))
	assert.Equal(t, 5, reopened.NextIssueID("PR"))
	assert.Equal(t, 10, reopened.NextIssueID("CR"))
	assert.Len(t, reopened.Fixed(), 1, "repeated fixes are reported once")

	ledger := reopened.Ledger()
	id, ok := ledger.Lookup(Issue{Description: "no rollback ", Location: " plan.md#rollout"})
	require.True(t, ok)
	assert.Equal(t, "PR-001", id)
	assert.True(t, ledger.IsFixed("PR-001"))
	assert.False(t, ledger.IsFixed("PR-004"))
}

func TestOpenLogSkipsTornLines(t *testing.T) {
	fs := afero.NewMemMapFs()
	content := `{"iteration":1,"issues":[{"id":"TR-003","severity":"M","description":"d","location":"tasks.md"}],"fixed":[],"at":"2026-03-01T12:00:00Z"}
{"iteration":2,"issues":[{"id":"TR-0`
	require.NoError(t, afero.WriteFile(fs, LogPath(testFeatureDir, "taskreview"), []byte(content), 0644))

	log, err := OpenLog(fs, testFeatureDir, "taskreview")
	require.NoError(t, err)
	require.Len(t, log.Entries(), 1)
	assert.Equal(t, 4, log.NextIssueID("TR"))
}
