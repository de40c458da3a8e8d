package record

import "database/sql"

// tierScanArgs holds the nullable LEFT JOIN columns of record_tier_contexts.
type tierScanArgs struct {
	ContentTier           sql.NullString
	MetadataTier          sql.NullString
	LanguageTier          sql.NullString
	EnablingElementsTier  sql.NullString
	ContextualClassesTier sql.NullString
	License               sql.NullString
}

func (a *tierScanArgs) targets() []interface{} {
	return []interface{}{
		&a.ContentTier,
		&a.MetadataTier,
		&a.LanguageTier,
		&a.EnablingElementsTier,
		&a.ContextualClassesTier,
		&a.License,
	}
}

// result is nil when the record has no tier context row
func (a *tierScanArgs) result() *TierResult {
	if !a.ContentTier.Valid {
		return nil
	}
	return &TierResult{
		ContentTier:           a.ContentTier.String,
		MetadataTier:          a.MetadataTier.String,
		LanguageTier:          a.LanguageTier.String,
		EnablingElementsTier:  a.EnablingElementsTier.String,
		ContextualClassesTier: a.ContextualClassesTier.String,
		License:               a.License.String,
	}
}

// scanSuccess scans the column order selected by Store.ReadSuccess
func scanSuccess(rows *sql.Rows) (Success, error) {
	var rec Success
	var tier tierScanArgs

	targets := []interface{}{
		&rec.Key.DatasetID,
		&rec.Key.ExecutionID,
		&rec.Key.ExecutionName,
		&rec.Key.SourceRecordID,
		&rec.Key.RecordID,
		&rec.Content,
	}
	targets = append(targets, tier.targets()...)

	if err := rows.Scan(targets...); err != nil {
		return Success{}, err
	}
	rec.Tier = tier.result()
	return rec, nil
}
