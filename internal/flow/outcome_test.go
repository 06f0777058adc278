package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseOutcome(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   string
		ok     bool
	}{
		{"single token", "wrote spec.md\nOUTCOME: NEEDS_CLARIFICATION\n", "NEEDS_CLARIFICATION", true},
		{"surrounding whitespace", "  OUTCOME:   SIMPLE  ", "SIMPLE", true},
		{"digits and underscores", "OUTCOME: SPLIT_2", "SPLIT_2", true},
		{"no outcome", "all done", "", false},
		{"prose mention", "the outcome: needs clarification", "", false},
		{"lowercase token", "OUTCOME: simple", "", false},
		{"token with spaces", "OUTCOME: NEEDS CLARIFICATION", "", false},
		{"empty token", "OUTCOME:", "", false},
		{"two lines", "OUTCOME: SIMPLE\nOUTCOME: COMPLEX", "", false},
		{"repeated same token", "OUTCOME: SIMPLE\nOUTCOME: SIMPLE", "", false},
		{"inline mention is ignored", "I would say OUTCOME: SIMPLE\nOUTCOME: COMPLEX", "COMPLEX", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseOutcome(tt.output)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
