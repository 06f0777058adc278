package flow

// Built-in flow names.
const (
	FlowFeature = "feature"
	FlowBugfix  = "bugfix"
	FlowRoadmap = "roadmap"
)

const (
	workerTurns   = 60
	reviewerTurns = 20
	fixerTurns    = 40
)

func worker(role string) StepTeamConfig {
	return StepTeamConfig{
		Type:      TeamTypeTeam,
		Teammates: []Teammate{{Role: role, WriteAccess: true, MaxTurns: workerTurns}},
		MaxTurns:  workerTurns,
	}
}

func reviewLoop(category string) StepTeamConfig {
	return StepTeamConfig{
		Type:                TeamTypeReviewLoop,
		Teammates:           ReviewTeam(category, reviewerTurns, fixerTurns),
		ReviewCommunication: "issue-lines",
		MaxTurns:            fixerTurns,
	}
}

// featureDefinition is the full specify -> plan -> tasks -> implement flow.
func featureDefinition() Definition {
	main := []string{
		"specify", "plan", "planreview", "tasks",
		"testdesign", "archreview", "taskreview",
		"implement", "codereview",
	}
	clarified := append([]string{"specify", "clarify"}, main[1:]...)

	return Definition{
		Name:         FlowFeature,
		Description:  "Specify, plan, review, break down, implement and review a feature",
		Steps:        main,
		Reviews:      []string{"planreview", "archreview", "taskreview", "codereview"},
		Conditionals: []string{"specify"},
		Context: map[string]map[string]string{
			"specify":    {"brief": "brief.md"},
			"clarify":    {"spec": "spec.md"},
			"breakdown":  {"spec": "spec.md"},
			"plan":       {"spec": "spec.md", "clarifications": "clarifications.md"},
			"planreview": {"plan": "plan.md", "spec": "spec.md"},
			"tasks":      {"plan": "plan.md", "spec": "spec.md"},
			"testdesign": {"plan": "plan.md", "tasks": "tasks.md"},
			"archreview": {"plan": "plan.md", "tasks": "tasks.md"},
			"taskreview": {"tasks": "tasks.md", "plan": "plan.md"},
			"implement":  {"tasks": "tasks.md", "plan": "plan.md", "testplan": "testplan.md"},
			"codereview": {"plan": "plan.md", "tasks": "tasks.md"},
		},
		ContextInject: map[string]map[string]bool{
			"specify":    {"brief": true},
			"clarify":    {"spec": true},
			"breakdown":  {"spec": true},
			"plan":       {"spec": true, "clarifications": true},
			"planreview": {"plan": true},
			"tasks":      {"plan": true},
			"testdesign": {"tasks": true},
			"taskreview": {"tasks": true},
			"implement":  {"tasks": true},
		},
		Prerequisites: map[string][]string{
			"clarify":    {"spec.md"},
			"breakdown":  {"spec.md"},
			"plan":       {"spec.md"},
			"planreview": {"plan.md", "spec.md"},
			"tasks":      {"plan.md"},
			"testdesign": {"tasks.md"},
			"archreview": {"plan.md"},
			"taskreview": {"tasks.md"},
			"implement":  {"tasks.md"},
		},
		Artifacts: map[string]ArtifactSpec{
			"specify":    Files("spec.md"),
			"clarify":    Files("clarifications.md"),
			"breakdown":  Files("breakdown.md"),
			"plan":       Files("plan.md"),
			"planreview": Files("planreview.md"),
			"tasks":      Files("tasks.md"),
			"testdesign": Files("testplan.md"),
			"archreview": Files("archreview.md"),
			"taskreview": Files("taskreview.md"),
			"implement":  Whole(),
			"codereview": Files("codereview.md"),
		},
		TeamConfig: map[string]StepTeamConfig{
			"specify":    worker("specifier"),
			"clarify":    worker("clarifier"),
			"breakdown":  worker("planner"),
			"plan":       worker("planner"),
			"planreview": reviewLoop(CategoryPlan),
			"tasks":      worker("planner"),
			"testdesign": worker("test-designer"),
			"archreview": reviewLoop(CategoryArch),
			"taskreview": reviewLoop(CategoryTasks),
			"implement":  worker("implementer"),
			"codereview": reviewLoop(CategoryCode),
		},
		ConditionalBranches: map[string]ConditionalBranch{
			"specify:NEEDS_CLARIFICATION": {
				Action:   BranchReplace,
				Pipeline: clarified,
				Variant:  "clarify",
				Message:  "The specification has open questions; a clarification session was added",
			},
			"specify:SPLIT": {
				Action:  BranchPause,
				Message: "The specification describes more than one feature",
			},
			"specify:SPLIT_ACCEPTED": {
				Action:   BranchReplace,
				Pipeline: []string{"specify", "breakdown"},
				Variant:  "split",
				Message:  "Feature will be broken down into smaller features",
			},
			"specify:SPLIT_DECLINED": {
				Action:  BranchContinue,
				Message: "Continuing with a single feature",
			},
		},
		UserGates: map[string]UserGate{
			"specify": {
				Message: "The specification describes more than one feature. Split it?",
				Options: []GateOption{
					{Label: "split", ConditionalKey: "specify:SPLIT_ACCEPTED"},
					{Label: "keep", ConditionalKey: "specify:SPLIT_DECLINED"},
				},
			},
		},
		ReviewTargets: map[string][]string{
			"planreview": {"plan.md"},
			"archreview": {"plan.md", "tasks.md"},
			"taskreview": {"tasks.md"},
			"codereview": {WholeDir},
		},
		ReviewPersonaGroups: map[string]string{
			"planreview": CategoryPlan,
			"archreview": CategoryArch,
			"taskreview": CategoryTasks,
			"codereview": CategoryCode,
		},
		DiscussionSteps: []string{"clarify"},
		ParallelGroups:  [][]string{{"testdesign", "archreview", "taskreview"}},
	}
}

// bugfixDefinition triages a defect and takes a short path for simple fixes.
func bugfixDefinition() Definition {
	return Definition{
		Name:         FlowBugfix,
		Description:  "Triage, reproduce, fix and review a defect",
		Steps:        []string{"triage", "reproduce", "fix", "codereview"},
		Reviews:      []string{"codereview"},
		Conditionals: []string{"triage"},
		Context: map[string]map[string]string{
			"triage":     {"report": "report.md"},
			"reproduce":  {"triage": "triage.md", "report": "report.md"},
			"fix":        {"triage": "triage.md", "reproduction": "reproduction.md"},
			"codereview": {"triage": "triage.md"},
		},
		ContextInject: map[string]map[string]bool{
			"triage":    {"report": true},
			"reproduce": {"triage": true},
			"fix":       {"triage": true, "reproduction": true},
		},
		Prerequisites: map[string][]string{
			"triage":    {"report.md"},
			"reproduce": {"triage.md"},
			"fix":       {"triage.md"},
		},
		Artifacts: map[string]ArtifactSpec{
			"triage":     Files("triage.md"),
			"reproduce":  Files("reproduction.md"),
			"fix":        Whole(),
			"codereview": Files("codereview.md"),
		},
		TeamConfig: map[string]StepTeamConfig{
			"triage":     worker("triager"),
			"reproduce":  worker("reproducer"),
			"fix":        worker("implementer"),
			"codereview": reviewLoop(CategoryCode),
		},
		ConditionalBranches: map[string]ConditionalBranch{
			"triage:SIMPLE": {
				Action:   BranchReplace,
				Pipeline: []string{"triage", "fix", "codereview"},
				Variant:  "simple",
				Message:  "Defect is simple; skipping reproduction",
			},
			"triage:COMPLEX": {
				Action: BranchContinue,
			},
			"triage:NEEDS_INFO": {
				Action:  BranchPause,
				Message: "The report lacks the information needed to triage the defect",
			},
		},
		ReviewTargets:       map[string][]string{"codereview": {WholeDir}},
		ReviewPersonaGroups: map[string]string{"codereview": CategoryCode},
	}
}

// roadmapDefinition turns a vision into a reviewed roadmap.
func roadmapDefinition() Definition {
	return Definition{
		Name:        FlowRoadmap,
		Description: "Draft and review a product vision and roadmap",
		Steps:       []string{"vision", "visionreview", "roadmap", "roadmapreview"},
		Reviews:     []string{"visionreview", "roadmapreview"},
		Context: map[string]map[string]string{
			"vision":        {"brief": "brief.md"},
			"visionreview":  {"vision": "vision.md"},
			"roadmap":       {"vision": "vision.md"},
			"roadmapreview": {"roadmap": "roadmap.md", "vision": "vision.md"},
		},
		ContextInject: map[string]map[string]bool{
			"vision":        {"brief": true},
			"visionreview":  {"vision": true},
			"roadmap":       {"vision": true},
			"roadmapreview": {"roadmap": true},
		},
		Prerequisites: map[string][]string{
			"vision":        {"brief.md"},
			"visionreview":  {"vision.md"},
			"roadmap":       {"vision.md"},
			"roadmapreview": {"roadmap.md"},
		},
		Artifacts: map[string]ArtifactSpec{
			"vision":        Files("vision.md"),
			"visionreview":  Files("visionreview.md"),
			"roadmap":       Files("roadmap.md"),
			"roadmapreview": Files("roadmapreview.md"),
		},
		TeamConfig: map[string]StepTeamConfig{
			"vision":        worker("product-strategist"),
			"visionreview":  reviewLoop(CategorySpec),
			"roadmap":       worker("planner"),
			"roadmapreview": reviewLoop(CategoryPlan),
		},
		ReviewPersonaGroups: map[string]string{
			"visionreview":  CategorySpec,
			"roadmapreview": CategoryPlan,
		},
	}
}

// Builtin returns fresh copies of the built-in flow definitions.
func Builtin() []Definition {
	return []Definition{featureDefinition(), bugfixDefinition(), roadmapDefinition()}
}
