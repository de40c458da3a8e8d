package workflow

import (
	"github.com/teranos/metis/errors"
)

// Registry is the static table of base sequences per classification.
// Construct it once and hand it to NewComposer; it is never mutated.
type Registry struct {
	base map[Classification][]Stage
	// classifications that never receive TRANSFORM_EXTERNAL
	noInsertion map[Classification]bool
}

// NewRegistry builds a registry from base sequences. noInsertion names the
// classifications that ignore the custom transform flag.
func NewRegistry(base map[Classification][]Stage, noInsertion ...Classification) Registry {
	r := Registry{
		base:        make(map[Classification][]Stage, len(base)),
		noInsertion: make(map[Classification]bool, len(noInsertion)),
	}
	for c, stages := range base {
		r.base[c] = newPlan(stages).stages
	}
	for _, c := range noInsertion {
		r.noInsertion[c] = true
	}
	return r
}

// DefaultRegistry returns the metis stage sequences.
func DefaultRegistry() Registry {
	return NewRegistry(map[Classification][]Stage{
		OAIHarvest: {
			HarvestOAI, ValidateExternal, TransformInternal, ValidateInternal,
			Normalize, Enrich, Media, IndexPublish,
		},
		FileHarvest: {
			HarvestFile, ValidateExternal, TransformInternal, ValidateInternal,
			Normalize, Enrich, Media, IndexPublish,
		},
		FileHarvestOnlyValidation: {
			HarvestFile, ValidateExternal, TransformInternal, ValidateInternal,
		},
		DebiasClassification: {Debias},
	}, FileHarvestOnlyValidation)
}

// Composer turns a dataset's classification into its stage plan.
// It does no I/O and holds no mutable state.
type Composer struct {
	registry Registry
}

// NewComposer creates a composer over reg
func NewComposer(reg Registry) *Composer {
	return &Composer{registry: reg}
}

// Compose builds the main-pipeline plan for class. When hasTransform is set
// and class accepts insertion, TRANSFORM_EXTERNAL goes immediately before the
// first VALIDATE_EXTERNAL. DEBIAS is not a main-pipeline classification and
// is rejected, as is anything not in the registry.
func (c *Composer) Compose(class Classification, hasTransform bool) (Plan, error) {
	if class == DebiasClassification {
		return Plan{}, errors.NewConfigurationError("classification %s cannot be composed as a main pipeline", class)
	}

	base, ok := c.registry.base[class]
	if !ok {
		return Plan{}, errors.NewConfigurationError("unknown workflow classification %q", class)
	}

	if !hasTransform || c.registry.noInsertion[class] {
		return newPlan(base), nil
	}

	stages := make([]Stage, 0, len(base)+1)
	inserted := false
	for _, s := range base {
		if s == ValidateExternal && !inserted {
			stages = append(stages, TransformExternal)
			inserted = true
		}
		stages = append(stages, s)
	}
	return Plan{stages: stages}, nil
}

// ExecutionPlan returns the plan to run for class. DEBIAS is its own
// single-stage plan and never passes through insertion.
func (c *Composer) ExecutionPlan(class Classification, hasTransform bool) (Plan, error) {
	if class == DebiasClassification {
		base, ok := c.registry.base[class]
		if !ok {
			return Plan{}, errors.NewConfigurationError("no plan registered for %s", class)
		}
		return newPlan(base), nil
	}
	return c.Compose(class, hasTransform)
}

// ReportingPlan returns the plan used by progress reporting views.
// DEBIAS has no reporting workflow.
func (c *Composer) ReportingPlan(class Classification, hasTransform bool) (Plan, error) {
	if class == DebiasClassification {
		return Plan{}, errors.NewConfigurationError("classification %s has no reporting workflow", class)
	}
	return c.Compose(class, hasTransform)
}
