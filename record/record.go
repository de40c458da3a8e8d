package record

// Record is exactly one of Success or Fail.
type Record interface {
	RecordKey() Key
	sealed()
}

// Success carries the serialized record a downstream stage consumes.
type Success struct {
	Key      Key
	Content  []byte
	Warnings []string
	Tier     *TierResult
}

// Fail carries the fatal exception of a record that stops here.
type Fail struct {
	Key       Key
	Exception string
}

// TierResult is the media and metadata tier classification of a record.
type TierResult struct {
	ContentTier           string `json:"content_tier"`
	MetadataTier          string `json:"metadata_tier"`
	LanguageTier          string `json:"language_tier,omitempty"`
	EnablingElementsTier  string `json:"enabling_elements_tier,omitempty"`
	ContextualClassesTier string `json:"contextual_classes_tier,omitempty"`
	License               string `json:"license,omitempty"`
}

func (s Success) RecordKey() Key { return s.Key }
func (f Fail) RecordKey() Key    { return f.Key }

func (Success) sealed() {}
func (Fail) sealed()    {}

// Match dispatches r to the callback for its variant.
func Match[T any](r Record, onSuccess func(Success) T, onFail func(Fail) T) T {
	switch v := r.(type) {
	case Success:
		return onSuccess(v)
	case *Success:
		return onSuccess(*v)
	case Fail:
		return onFail(v)
	case *Fail:
		return onFail(*v)
	default:
		// unreachable: Record is sealed
		panic("record: unknown variant")
	}
}

// IsSuccess reports whether r is the Success variant.
func IsSuccess(r Record) bool {
	return Match(r,
		func(Success) bool { return true },
		func(Fail) bool { return false },
	)
}

// ExternalIdentifier maps an identifier assigned by the harvested source
// (an OAI identifier, a file name) to the record it produced.
type ExternalIdentifier struct {
	DatasetID      string
	ExecutionID    string
	SourceRecordID string
	ExternalID     string
}
