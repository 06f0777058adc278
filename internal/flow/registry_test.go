package flow

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/featurepipe/internal/errors"
)

const hotfixYAML = `
name: hotfix
description: Patch and review
steps: [patch, codereview]
reviews: [codereview]
context:
  patch:
    report: report.md
contextInject:
  patch:
    report: true
prerequisites:
  patch: [report.md]
artifacts:
  patch: "*"
  codereview: codereview.md
teamConfig:
  patch:
    type: team
    teammates:
      - role: implementer
        writeAccess: true
  codereview:
    type: review-loop
    maxReviewIterations: 2
    teammates:
      - {role: reviewer, persona: correctness}
      - {role: reviewer, persona: security}
      - {role: fixer, persona: fixer, writeAccess: true}
reviewTargets:
  codereview: ["*"]
`

func TestRegistryBuiltins(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, []string{FlowBugfix, FlowFeature, FlowRoadmap}, r.Names())

	def, err := r.Get(FlowFeature)
	require.NoError(t, err)
	def.Steps[0] = "mutated"

	again, err := r.Get(FlowFeature)
	require.NoError(t, err)
	assert.Equal(t, "specify", again.Steps[0], "Get must return a copy")

	_, err = r.Get("nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnknownFlow)
}

func TestRegistryLoadDir(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/flows/hotfix.yaml", []byte(hotfixYAML), 0644))
	require.NoError(t, afero.WriteFile(fs, "/flows/README.md", []byte("not a flow"), 0644))

	r := NewRegistry()
	loaded, err := r.LoadDir(fs, "/flows")
	require.NoError(t, err)
	assert.Equal(t, []string{"hotfix"}, loaded)

	def, err := r.Get("hotfix")
	require.NoError(t, err)
	assert.True(t, def.Artifacts["patch"].Whole)
	assert.Equal(t, 2, def.TeamConfig["codereview"].MaxReviewIterations)
	assert.Len(t, def.TeamConfig["codereview"].Reviewers(), 2)
	assert.Equal(t, []string{WholeDir}, def.ReviewTargets["codereview"])
}

func TestRegistryLoadDirMissing(t *testing.T) {
	r := NewRegistry()
	loaded, err := r.LoadDir(afero.NewMemMapFs(), "/nowhere")
	require.NoError(t, err)
	assert.Empty(t, loaded)

	loaded, err = r.LoadDir(afero.NewMemMapFs(), "")
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestRegistryLoadDirInvalid(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/flows/broken.yml", []byte("name: broken\nsteps: []\n"), 0644))

	_, err := NewRegistry().LoadDir(fs, "/flows")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken.yml")
}

func TestRegisterRejectsInvalid(t *testing.T) {
	err := NewRegistry().Register(Definition{Name: "empty"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
}

func TestParseDefinitionYAMLEmpty(t *testing.T) {
	_, err := ParseDefinitionYAML([]byte("   "))
	assert.Error(t, err)
}
