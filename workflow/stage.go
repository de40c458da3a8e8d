// Package workflow decides which ordered stages apply to a dataset.
package workflow

import (
	"strings"

	"github.com/teranos/metis/errors"
)

// Stage is one pipeline step type. Its string form is also the execution
// name written into every record the stage produces.
type Stage string

const (
	HarvestOAI        Stage = "HARVEST_OAI"
	HarvestFile       Stage = "HARVEST_FILE"
	ValidateExternal  Stage = "VALIDATE_EXTERNAL"
	TransformExternal Stage = "TRANSFORM_EXTERNAL"
	TransformInternal Stage = "TRANSFORM_INTERNAL"
	ValidateInternal  Stage = "VALIDATE_INTERNAL"
	Normalize         Stage = "NORMALIZE"
	Enrich            Stage = "ENRICH"
	Media             Stage = "MEDIA"
	IndexPublish      Stage = "INDEX_PUBLISH"
	Debias            Stage = "DEBIAS"
)

// AllStages lists every known stage in pipeline order.
var AllStages = []Stage{
	HarvestOAI, HarvestFile,
	ValidateExternal, TransformExternal, TransformInternal, ValidateInternal,
	Normalize, Enrich, Media, IndexPublish,
	Debias,
}

// ParseStage accepts a stage name case-insensitively.
func ParseStage(s string) (Stage, error) {
	want := Stage(strings.ToUpper(strings.TrimSpace(s)))
	for _, st := range AllStages {
		if st == want {
			return st, nil
		}
	}
	return "", errors.NewConfigurationError("unknown stage %q", s)
}

func (s Stage) String() string { return string(s) }

// IsHarvest reports whether s ingests records rather than consuming a prior stage.
func (s Stage) IsHarvest() bool {
	return s == HarvestOAI || s == HarvestFile
}

// Classification selects the family of stage sequence for a dataset.
type Classification string

const (
	OAIHarvest                Classification = "OAI_HARVEST"
	FileHarvest               Classification = "FILE_HARVEST"
	FileHarvestOnlyValidation Classification = "FILE_HARVEST_ONLY_VALIDATION"
	DebiasClassification      Classification = "DEBIAS"
)

// AllClassifications lists every known classification.
var AllClassifications = []Classification{
	OAIHarvest, FileHarvest, FileHarvestOnlyValidation, DebiasClassification,
}

// ParseClassification accepts a classification name case-insensitively.
// Unknown names are configuration errors; there is no default.
func ParseClassification(s string) (Classification, error) {
	want := Classification(strings.ToUpper(strings.TrimSpace(s)))
	for _, c := range AllClassifications {
		if c == want {
			return c, nil
		}
	}
	return "", errors.NewConfigurationError("unknown workflow classification %q", s)
}

func (c Classification) String() string { return string(c) }
