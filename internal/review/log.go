package review

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/featurepipe/internal/errors"
)

// LogEntry is one iteration of a review, appended to the review log.
type LogEntry struct {
	Iteration int          `json:"iteration"`
	Issues    []Issue      `json:"issues"`
	Verdicts  []string     `json:"verdicts,omitempty"`
	Fixed     []FixedIssue `json:"fixed"`
	At        time.Time    `json:"at"`
}

// Log is the append-only JSONL history of a review step. It survives across
// runs so that issue ids stay unique and confirmed fixes stay fixed.
type Log struct {
	fs      afero.Fs
	path    string
	entries []LogEntry
}

// LogPath returns the review log of a step.
func LogPath(featureDir, step string) string {
	return filepath.Join(ReviewsDir(featureDir), step+".jsonl")
}

// OpenLog reads the review log of a step. A missing log is empty. Lines that
// do not parse are skipped so a torn final write cannot wedge the review.
func OpenLog(fs afero.Fs, featureDir, step string) (*Log, error) {
	l := &Log{fs: fs, path: LogPath(featureDir, step)}
	data, err := afero.ReadFile(fs, l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, errors.Wrapf(err, "read review log %s", l.path)
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry LogEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		l.entries = append(l.entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "scan review log %s", l.path)
	}
	return l, nil
}

// Path returns the log file path.
func (l *Log) Path() string {
	return l.path
}

// Entries returns the entries read or appended so far.
func (l *Log) Entries() []LogEntry {
	return l.entries
}

// Append writes entry as one JSON line.
func (l *Log) Append(entry LogEntry) error {
	if entry.Issues == nil {
		entry.Issues = []Issue{}
	}
	if entry.Fixed == nil {
		entry.Fixed = []FixedIssue{}
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "encode review log entry")
	}
	if err := l.fs.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return errors.Wrap(err, "create reviews directory")
	}
	f, err := l.fs.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrapf(err, "open review log %s", l.path)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "append review log %s", l.path)
	}
	if err := f.Close(); err != nil {
		return err
	}
	l.entries = append(l.entries, entry)
	return nil
}

// MaxIssueID returns the highest sequence number used with prefix, or 0.
func (l *Log) MaxIssueID(prefix string) int {
	highest := 0
	consider := func(id string) {
		if n, ok := issueSeq(prefix, id); ok && n > highest {
			highest = n
		}
	}
	for _, e := range l.entries {
		for _, is := range e.Issues {
			consider(is.ID)
		}
		for _, f := range e.Fixed {
			consider(f.ID)
		}
	}
	return highest
}

// NextIssueID returns the first unused sequence number for prefix.
func (l *Log) NextIssueID(prefix string) int {
	return l.MaxIssueID(prefix) + 1
}

// FixedIDs returns the ids the fixer has confirmed.
func (l *Log) FixedIDs() map[string]bool {
	ids := map[string]bool{}
	for _, e := range l.entries {
		for _, f := range e.Fixed {
			ids[f.ID] = true
		}
	}
	return ids
}

// Fixed returns every confirmed fix in log order, without repeats.
func (l *Log) Fixed() []FixedIssue {
	seen := map[string]bool{}
	var out []FixedIssue
	for _, e := range l.entries {
		for _, f := range e.Fixed {
			if seen[f.ID] {
				continue
			}
			seen[f.ID] = true
			out = append(out, f)
		}
	}
	return out
}

// Ledger returns the identity table of every issue logged so far.
func (l *Log) Ledger() Ledger {
	ledger := Ledger{ids: map[string]string{}, fixed: l.FixedIDs()}
	for _, e := range l.entries {
		for _, is := range e.Issues {
			key := is.identity()
			if _, ok := ledger.ids[key]; !ok {
				ledger.ids[key] = is.ID
			}
		}
	}
	return ledger
}

// LastIteration returns the iteration number of the newest entry, or 0.
func (l *Log) LastIteration() int {
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].Iteration
}

// Ledger maps issue identities (location and description) to the id they
// were first given, and records which ids were fixed.
type Ledger struct {
	ids   map[string]string
	fixed map[string]bool
}

// Lookup returns the id previously given to an issue with the same identity.
func (l Ledger) Lookup(is Issue) (string, bool) {
	id, ok := l.ids[is.identity()]
	return id, ok
}

// IsFixed reports whether id was confirmed fixed.
func (l Ledger) IsFixed(id string) bool {
	return l.fixed[id]
}

func (i Issue) identity() string {
	return strings.TrimSpace(i.Location) + "\x00" + strings.ToLower(strings.TrimSpace(i.Description))
}

func issueSeq(prefix, id string) (int, bool) {
	rest, ok := strings.CutPrefix(id, prefix+"-")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
