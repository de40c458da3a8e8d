package steps

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/teranos/metis/errors"
	"github.com/teranos/metis/events"
	"github.com/teranos/metis/logger"
	"github.com/teranos/metis/record"
	"github.com/teranos/metis/stage"
)

// HarvestedRecord is one record as delivered by a harvest source.
type HarvestedRecord struct {
	ExternalID string // identifier at the source: OAI identifier, file name
	Content    []byte
}

// Harvester fetches records from a source described by launch parameters
// (endpoint, set_spec, metadata_prefix) and hands each to emit. An error
// from emit must stop the harvest and be returned.
type Harvester interface {
	Harvest(ctx context.Context, params map[string]string, emit func(HarvestedRecord) error) error
}

// HarvestHandler is a first stage: it writes harvested records under the
// current execution and maps their external identifiers.
type HarvestHandler struct {
	stageType string
	harvester Harvester
	records   *record.Store
	publisher events.Publisher
	cfg       Config
	logger    *zap.SugaredLogger
}

// NewHarvestHandler creates the handler for stageType. publisher may be nil.
func NewHarvestHandler(stageType string, h Harvester, records *record.Store, publisher events.Publisher, cfg Config, log *zap.SugaredLogger) *HarvestHandler {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &HarvestHandler{
		stageType: stageType,
		harvester: h,
		records:   records,
		publisher: publisher,
		cfg:       cfg.withDefaults(),
		logger:    log.Named("harvest"),
	}
}

func (h *HarvestHandler) StageType() string { return h.stageType }

// SourceRecordID derives the stable source record id of an external id.
// Re-harvesting the same identifier yields the same id.
func SourceRecordID(datasetID, externalID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(datasetID+"/"+externalID)).String()
}

func (h *HarvestHandler) Execute(ctx context.Context, exec *stage.Execution, report stage.ProgressReporter) error {
	outID := exec.OutputExecutionID()
	chunkSize := h.cfg.chunkSize(exec)
	var summary Summary
	var buf []HarvestedRecord

	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		recs := make([]record.Record, 0, len(buf))
		ids := make([]record.ExternalIdentifier, 0, len(buf))
		for _, hr := range buf {
			key := record.Key{
				DatasetID:      exec.DatasetID,
				ExecutionID:    outID,
				ExecutionName:  exec.StageType,
				SourceRecordID: SourceRecordID(exec.DatasetID, hr.ExternalID),
				RecordID:       hr.ExternalID,
			}
			if len(hr.Content) == 0 {
				recs = append(recs, record.Fail{Key: key, Exception: "harvested record is empty"})
			} else {
				recs = append(recs, record.Success{Key: key, Content: hr.Content})
			}
			ids = append(ids, record.ExternalIdentifier{
				DatasetID:      exec.DatasetID,
				ExecutionID:    outID,
				SourceRecordID: key.SourceRecordID,
				ExternalID:     hr.ExternalID,
			})
		}

		res, err := h.records.WriteBatch(ctx, recs)
		if err != nil {
			return err
		}
		if err := h.records.WriteExternalIdentifiers(ctx, ids); err != nil {
			return err
		}
		now := time.Now()
		for _, rec := range recs {
			h.publisher.Publish(ctx, events.FromRecord(rec, now))
		}

		summary.Read += len(buf)
		summary.add(res)
		if report != nil {
			report(summary.Read, summary.Read)
		}
		buf = buf[:0]
		return nil
	}

	err := h.harvester.Harvest(ctx, exec.Parameters, func(hr HarvestedRecord) error {
		if hr.ExternalID == "" {
			return errors.New("harvested record has no external identifier")
		}
		buf = append(buf, hr)
		if len(buf) >= chunkSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "harvest %s", exec.Param(stage.ParamEndpoint))
	}
	if err := flush(); err != nil {
		return err
	}

	h.logger.Infow("Harvest complete",
		logger.FieldDatasetID, exec.DatasetID,
		logger.FieldExecutionID, exec.ID,
		"harvested", summary.Read,
		"written", summary.Written,
		"failed", summary.Failed,
		"duplicates", summary.Duplicates)
	return nil
}

// DirectoryHarvester treats each regular file in the endpoint directory as
// one record, with the file name as external id. set_spec, when set, is a
// glob that file names must match.
type DirectoryHarvester struct {
	fs afero.Fs
}

// NewDirectoryHarvester harvests from fs; use afero.NewOsFs() for the local disk.
func NewDirectoryHarvester(fs afero.Fs) *DirectoryHarvester {
	return &DirectoryHarvester{fs: fs}
}

func (d *DirectoryHarvester) Harvest(ctx context.Context, params map[string]string, emit func(HarvestedRecord) error) error {
	dir := params[stage.ParamEndpoint]
	if dir == "" {
		return errors.NewInvalidRequestError("directory harvest needs parameter %s", stage.ParamEndpoint)
	}
	pattern := params[stage.ParamSetSpec]
	if pattern != "" {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return errors.NewInvalidRequestError("invalid %s pattern %q", stage.ParamSetSpec, pattern)
		}
	}

	entries, err := afero.ReadDir(d.fs, dir)
	if err != nil {
		return errors.Wrapf(err, "read directory %s", dir)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if pattern != "" {
			if ok, _ := filepath.Match(pattern, name); !ok {
				continue
			}
		}

		content, err := afero.ReadFile(d.fs, filepath.Join(dir, name))
		if err != nil {
			return errors.Wrapf(err, "read %s", name)
		}
		if err := emit(HarvestedRecord{ExternalID: name, Content: content}); err != nil {
			return err
		}
	}
	return nil
}
