package review

import (
	"strings"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/featurepipe/internal/config"
	"github.com/Iron-Ham/featurepipe/internal/errors"
	"github.com/Iron-Ham/featurepipe/internal/flow"
	"github.com/Iron-Ham/featurepipe/internal/vcs"
)

const defaultReviewerTurns = 20

// issuePrefixes are the id prefixes of the built-in review steps.
var issuePrefixes = map[string]string{
	"specreview":    "SR",
	"planreview":    "PR",
	"taskreview":    "TR",
	"archreview":    "AR",
	"codereview":    "CR",
	"visionreview":  "VR",
	"roadmapreview": "RR",
}

// IssuePrefix returns the issue id prefix of a review step. Steps without a
// built-in prefix use their initial and "R".
func IssuePrefix(step string) string {
	if p, ok := issuePrefixes[step]; ok {
		return p
	}
	if step == "" {
		return "RV"
	}
	return strings.ToUpper(step[:1]) + "R"
}

// SetupParams are the inputs of Resolve.
type SetupParams struct {
	Config     *config.Config
	Flow       flow.Definition
	Fs         afero.Fs
	FeatureDir string
	Step       string
	// Targets are the absolute paths under review.
	Targets []string
	// Repo is the enclosing git repository, nil when there is none.
	Repo *vcs.Git
	// BaseRef is the commit the change is measured against. Empty means HEAD.
	BaseRef string
}

// Resolve computes the setup of one review run: the category roster with
// each persona's CLI and model, the fixer, the iteration budget sized from
// the change, and the first unused issue id.
func Resolve(p SetupParams) (Setup, error) {
	if !p.Flow.IsReview(p.Step) {
		return Setup{}, errors.NewValidationError("step is not a review step").WithField("step").WithValue(p.Step)
	}
	cfg := p.Config
	if cfg == nil {
		cfg = config.Default()
	}
	tc := p.Flow.TeamConfig[p.Step]
	category := flow.CategoryFor(p.Flow, p.Step)
	roster, ok := flow.Roster(category)
	if !ok {
		return Setup{}, errors.NewValidationError("unknown review category").WithField("reviewPersonaGroups").WithValue(category)
	}

	setup := Setup{
		Step:     p.Step,
		Category: category,
		Prefix:   IssuePrefix(p.Step),
	}
	for _, persona := range roster {
		res := cfg.ResolveModel(p.Step, persona.Name, category)
		setup.Personas = append(setup.Personas, Persona{
			Name:     persona.Name,
			Role:     "reviewer",
			MaxTurns: teammateTurns(tc, persona.Name, false),
			CLI:      res.CLI,
			Model:    res.Model,
		})
	}

	fixerName := flow.FixerPersona.Name
	if fixers := tc.Fixers(); len(fixers) > 0 && fixers[0].Persona != "" {
		fixerName = fixers[0].Persona
	}
	fixerModel := cfg.ResolveModel(p.Step, fixerName, category)
	setup.Fixer = Persona{
		Name:        fixerName,
		Role:        "fixer",
		WriteAccess: true,
		MaxTurns:    teammateTurns(tc, fixerName, true),
		CLI:         fixerModel.CLI,
		Model:       fixerModel.Model,
	}

	stats, err := MeasureChange(p.Fs, p.Repo, p.BaseRef, p.Targets, category == flow.CategoryCode)
	if err != nil {
		return Setup{}, errors.Wrap(err, "measure change")
	}
	setup.Stats = stats
	setup.Depth = ParseDepth(cfg.Review.Depth)
	if setup.Depth == DepthAuto {
		setup.Depth = ClassifyDepth(stats)
	}
	setup.MaxIterations = setup.Depth.Iterations()
	if tc.MaxReviewIterations > 0 && tc.MaxReviewIterations < setup.MaxIterations {
		setup.MaxIterations = tc.MaxReviewIterations
	}

	log, err := OpenLog(p.Fs, p.FeatureDir, p.Step)
	if err != nil {
		return Setup{}, err
	}
	setup.NextIssueID = log.NextIssueID(setup.Prefix)
	return setup, nil
}

func teammateTurns(tc flow.StepTeamConfig, persona string, fixer bool) int {
	for _, tm := range tc.Teammates {
		if tm.Persona == persona && tm.WriteAccess == fixer && tm.MaxTurns > 0 {
			return tm.MaxTurns
		}
	}
	if tc.MaxTurns > 0 {
		return tc.MaxTurns
	}
	return defaultReviewerTurns
}
