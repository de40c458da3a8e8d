package steps

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/metis/counter"
	"github.com/teranos/metis/errors"
	"github.com/teranos/metis/events"
	metistest "github.com/teranos/metis/internal/testing"
	"github.com/teranos/metis/record"
	"github.com/teranos/metis/stage"
)

func newExecution(t *testing.T, stageType string, params map[string]string) *stage.Execution {
	t.Helper()
	exec, err := stage.NewExecution(stageType, params)
	require.NoError(t, err)
	return exec
}

func memDir(t *testing.T, files map[string]string) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/in/sub", 0o755))
	for name, content := range files {
		require.NoError(t, afero.WriteFile(fs, "/in/"+name, []byte(content), 0o644))
	}
	return fs
}

type progressLog struct {
	mu    sync.Mutex
	calls [][2]int
}

func (p *progressLog) report(current, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, [2]int{current, total})
}

func (p *progressLog) last() [2]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[len(p.calls)-1]
}

func TestDirectoryHarvester(t *testing.T) {
	fs := memDir(t, map[string]string{
		"b.xml":   "<b/>",
		"a.xml":   "<a/>",
		"c.txt":   "c",
		".hidden": "h",
	})
	h := NewDirectoryHarvester(fs)

	var names []string
	collect := func(hr HarvestedRecord) error {
		names = append(names, hr.ExternalID)
		return nil
	}

	require.NoError(t, h.Harvest(context.Background(), map[string]string{stage.ParamEndpoint: "/in"}, collect))
	assert.Equal(t, []string{"a.xml", "b.xml", "c.txt"}, names)

	names = nil
	params := map[string]string{stage.ParamEndpoint: "/in", stage.ParamSetSpec: "*.xml"}
	require.NoError(t, h.Harvest(context.Background(), params, collect))
	assert.Equal(t, []string{"a.xml", "b.xml"}, names)

	err := h.Harvest(context.Background(), map[string]string{}, collect)
	assert.True(t, errors.IsInvalidRequestError(err))

	err = h.Harvest(context.Background(), map[string]string{stage.ParamEndpoint: "/missing"}, collect)
	assert.Error(t, err)

	stop := errors.New("stop")
	err = h.Harvest(context.Background(), map[string]string{stage.ParamEndpoint: "/in"}, func(HarvestedRecord) error { return stop })
	assert.True(t, errors.Is(err, stop))
}

func TestHarvestThenValidate(t *testing.T) {
	ctx := context.Background()
	conn := metistest.CreateTestDB(t)
	metistest.SeedDataset(t, conn, "ds-1")
	records := record.NewStore(conn)
	log := zaptest.NewLogger(t).Sugar()
	cfg := Config{ChunkSize: 2, ChunkWorkers: 3}

	files := map[string]string{"empty.xml": ""}
	for i := 0; i < 7; i++ {
		files[fmt.Sprintf("r%02d.xml", i)] = fmt.Sprintf(`<r xmlns="urn:metis">%d</r>`, i)
	}
	files["broken.xml"] = "<r>"

	bus := events.NewBus(100)
	sub := bus.Subscribe()

	harvestExec := newExecution(t, "HARVEST_FILE", map[string]string{
		stage.ParamDatasetID: "ds-1",
		stage.ParamEndpoint:  "/in",
	})
	harvest := NewHarvestHandler("HARVEST_FILE", NewDirectoryHarvester(memDir(t, files)), records, bus, cfg, log)
	assert.Equal(t, "HARVEST_FILE", harvest.StageType())

	var harvestProgress progressLog
	require.NoError(t, harvest.Execute(ctx, harvestExec, harvestProgress.report))
	assert.Equal(t, [2]int{9, 9}, harvestProgress.last())

	harvested := record.Source{DatasetID: "ds-1", ExecutionID: harvestExec.ID}
	n, err := records.CountSuccess(ctx, harvested)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	n, err = records.CountFail(ctx, harvested)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "empty file becomes a Fail row")

	var extIDs int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM record_external_ids WHERE execution_id = ?`, harvestExec.ID).Scan(&extIDs))
	assert.Equal(t, 9, extIDs)

	validateExec := newExecution(t, "VALIDATE_EXTERNAL", map[string]string{
		stage.ParamDatasetID:           "ds-1",
		stage.ParamSourceExecutionID:   harvestExec.ID,
		stage.ParamSourceExecutionName: "HARVEST_FILE",
	})
	runner := NewRunner(records, nil, bus, cfg, log)
	validate := NewProcessHandler("VALIDATE_EXTERNAL", WellFormedValidator{}, runner)

	var validateProgress progressLog
	require.NoError(t, validate.Execute(ctx, validateExec, validateProgress.report))
	assert.Equal(t, [2]int{8, 8}, validateProgress.last())

	validated := record.Source{DatasetID: "ds-1", ExecutionID: validateExec.ID, ExecutionName: "VALIDATE_EXTERNAL"}
	n, err = records.CountSuccess(ctx, validated)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	n, err = records.CountFail(ctx, validated)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "broken.xml fails validation without failing the stage")

	// source record ids survive the stage boundary
	lineage, err := records.Lineage(ctx, "ds-1", SourceRecordID("ds-1", "r03.xml"))
	require.NoError(t, err)
	require.Len(t, lineage, 2)
	assert.Equal(t, "HARVEST_FILE", lineage[0].Key.ExecutionName)
	assert.Equal(t, "VALIDATE_EXTERNAL", lineage[1].Key.ExecutionName)
	assert.Equal(t, "r03.xml", lineage[1].Key.RecordID)

	bus.Close()
	var published int
	for range sub {
		published++
	}
	assert.Equal(t, 9+8, published)
}

func TestRunnerStepSizeAndOrder(t *testing.T) {
	ctx := context.Background()
	conn := metistest.CreateTestDB(t)
	metistest.SeedDataset(t, conn, "ds-1")
	records := record.NewStore(conn)

	var batch []record.Record
	for i := 0; i < 10; i++ {
		batch = append(batch, record.Success{Key: record.Key{
			DatasetID: "ds-1", ExecutionID: "h1", ExecutionName: "HARVEST_OAI",
			SourceRecordID: fmt.Sprintf("s%d", i), RecordID: fmt.Sprintf("r%d", i),
		}, Content: []byte("<x/>")})
	}
	_, err := records.WriteBatch(ctx, batch)
	require.NoError(t, err)

	var mu sync.Mutex
	seen := map[string]bool{}
	proc := ProcessorFunc(func(_ context.Context, in record.Success) (Output, error) {
		mu.Lock()
		defer mu.Unlock()
		seen[in.Key.RecordID] = true
		return Output{RecordID: "canon-" + in.Key.RecordID, Content: []byte("<y/>")}, nil
	})

	exec := newExecution(t, "NORMALIZE", map[string]string{
		stage.ParamDatasetID:         "ds-1",
		stage.ParamSourceExecutionID: "h1",
		stage.ParamStepSize:          "3",
		stage.ParamTargetExecutionID: "norm-out",
	})
	var progress progressLog
	runner := NewRunner(records, nil, nil, Config{ChunkSize: 100, ChunkWorkers: 2}, zaptest.NewLogger(t).Sugar())
	summary, err := runner.Run(ctx, exec, proc, progress.report)
	require.NoError(t, err)
	assert.Equal(t, Summary{Read: 10, Written: 10}, summary)
	assert.Len(t, seen, 10)
	// initial report plus four chunks of at most three
	assert.Len(t, progress.calls, 5)

	page, err := records.ReadSuccess(ctx, record.Source{DatasetID: "ds-1", ExecutionID: "norm-out"}, record.Cursor{}, 100)
	require.NoError(t, err)
	require.Len(t, page, 10)
	assert.Equal(t, "canon-r0", page[0].Key.RecordID)
	assert.Equal(t, "<y/>", string(page[0].Content))
}

func TestRunnerCountsPatterns(t *testing.T) {
	ctx := context.Background()
	conn := metistest.CreateTestDB(t)
	metistest.SeedDataset(t, conn, "ds-1")
	records := record.NewStore(conn)
	counters := counter.NewStore(conn)

	var batch []record.Record
	for i := 0; i < 12; i++ {
		batch = append(batch, record.Success{Key: record.Key{
			DatasetID: "ds-1", ExecutionID: "h1", ExecutionName: "HARVEST_OAI",
			SourceRecordID: fmt.Sprintf("s%02d", i), RecordID: fmt.Sprintf("r%02d", i),
		}, Content: []byte(strconv.Itoa(i))})
	}
	_, err := records.WriteBatch(ctx, batch)
	require.NoError(t, err)

	// multiples of three fail, other odd records warn bad-date, even ones no-rights
	proc := ProcessorFunc(func(_ context.Context, in record.Success) (Output, error) {
		i, _ := strconv.Atoi(string(in.Content))
		switch {
		case i%3 == 0:
			return Output{}, errors.Newf("record %d rejected", i)
		case i%2 == 1:
			return Output{Warnings: []string{"bad-date"}}, nil
		default:
			return Output{Warnings: []string{"no-rights"}}, nil
		}
	})

	exec := newExecution(t, "VALIDATE_EXTERNAL", map[string]string{
		stage.ParamDatasetID:         "ds-1",
		stage.ParamSourceExecutionID: "h1",
	})
	runner := NewRunner(records, counters, nil, Config{ChunkSize: 2, ChunkWorkers: 3}, zaptest.NewLogger(t).Sugar())

	want := map[string]int64{CategoryFailure: 4, "bad-date": 4, "no-rights": 4}
	summary, err := runner.Run(ctx, exec, proc, nil)
	require.NoError(t, err)
	assert.Equal(t, 8, summary.Written)
	assert.Equal(t, 4, summary.Failed)
	assert.Equal(t, want, summary.Patterns)

	scope, err := counters.LookupExecutionPoint(ctx, "ds-1", "VALIDATE_EXTERNAL", exec.CreatedAt)
	require.NoError(t, err)
	totals, err := counters.Totals(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, want, totals)

	t.Run("re-run of the same execution does not count twice", func(t *testing.T) {
		summary, err := runner.Run(ctx, exec, proc, nil)
		require.NoError(t, err)
		assert.Equal(t, 12, summary.Duplicates)
		assert.Equal(t, want, summary.Patterns)
	})

	var patterns int
	require.NoError(t, conn.QueryRow(`SELECT COUNT(*) FROM pattern_records WHERE scope_id = ?`, scope).Scan(&patterns))
	assert.Equal(t, 12, patterns)
}

func TestRunnerErrors(t *testing.T) {
	conn := metistest.CreateTestDB(t)
	metistest.SeedDataset(t, conn, "ds-1")
	records := record.NewStore(conn)
	runner := NewRunner(records, nil, nil, Config{}, zaptest.NewLogger(t).Sugar())

	t.Run("source execution is required", func(t *testing.T) {
		exec := newExecution(t, "NORMALIZE", map[string]string{stage.ParamDatasetID: "ds-1"})
		_, err := runner.Run(context.Background(), exec, WellFormedValidator{}, nil)
		assert.True(t, errors.IsInvalidRequestError(err))
	})

	t.Run("cancelled context stops the run", func(t *testing.T) {
		_, err := records.WriteBatch(context.Background(), []record.Record{record.Success{Key: record.Key{
			DatasetID: "ds-1", ExecutionID: "h1", ExecutionName: "HARVEST_OAI", SourceRecordID: "s", RecordID: "r",
		}, Content: []byte("<x/>")}})
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		exec := newExecution(t, "NORMALIZE", map[string]string{
			stage.ParamDatasetID:         "ds-1",
			stage.ParamSourceExecutionID: "h1",
		})
		_, err = runner.Run(ctx, exec, WellFormedValidator{}, nil)
		assert.Error(t, err)
	})
}
