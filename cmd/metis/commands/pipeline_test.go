package commands

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/metis/am"
	"github.com/teranos/metis/dataset"
	"github.com/teranos/metis/events"
	"github.com/teranos/metis/errors"
	metistest "github.com/teranos/metis/internal/testing"
	"github.com/teranos/metis/stage"
	"github.com/teranos/metis/stage/steps"
	"github.com/teranos/metis/workflow"
)

func testConfig() *am.Config {
	return &am.Config{
		Orchestrator: am.OrchestratorConfig{PollIntervalMS: 10},
		Substrate:    am.SubstrateConfig{Workers: 2, PollIntervalMS: 5},
		Steps:        am.StepsConfig{ChunkSize: 2, ChunkWorkers: 2},
		Events:       am.EventsConfig{Enabled: true},
	}
}

func TestPipelineRunAndRemove(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fs := afero.NewMemMapFs()
	for name, content := range map[string]string{
		"1.xml": `<r xmlns="urn:m">1</r>`,
		"2.xml": `<r xmlns="urn:m">2</r>`,
		"3.xml": `<r xmlns="urn:m">`,
	} {
		require.NoError(t, afero.WriteFile(fs, "/records/"+name, []byte(content), 0o644))
	}

	conn := metistest.CreateTestDB(t)
	p := newPipeline(ctx, testConfig(), conn, fs, zaptest.NewLogger(t).Sugar())
	assert.ElementsMatch(t,
		[]string{"HARVEST_FILE", "HARVEST_OAI", "VALIDATE_EXTERNAL", "VALIDATE_INTERNAL"},
		p.queue.Registry().StageTypes())

	ds := &dataset.Dataset{Name: "Europeana sample", Classification: workflow.FileHarvest}
	require.NoError(t, p.datasets.Create(ctx, ds))

	p.pool.Start()
	res, err := p.orch.Chain(ctx, ds, workflow.HarvestFile, map[string]string{stage.ParamEndpoint: "/records"}, workflow.ValidateExternal)
	p.pool.Stop()
	require.NoError(t, err)
	assert.True(t, res.Succeeded())

	second, _ := res.Second()
	exec, err := p.queue.Get(ctx, second.ID)
	require.NoError(t, err)
	scope, err := p.counters.LookupExecutionPoint(ctx, ds.ID, second.StageType, exec.CreatedAt)
	require.NoError(t, err)
	totals, err := p.counters.Totals(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{steps.CategoryFailure: 1}, totals, "malformed 3.xml counted once")

	// close returns only once the log consumer has persisted every event
	p.close()
	consumer := events.NewLogConsumer(conn, zaptest.NewLogger(t).Sugar())
	counts, err := consumer.CountByStatus(ctx, ds.ID, second.ID)
	require.NoError(t, err)
	assert.Equal(t, map[events.Status]int{events.StatusSuccess: 2, events.StatusFail: 1}, counts)
	counts, err = consumer.CountByStatus(ctx, ds.ID, res.Executions[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[events.StatusSuccess])

	removal, err := p.remover.RemoveDataset(ctx, ds.ID)
	require.NoError(t, err)
	assert.Positive(t, removal.Total())

	_, err = p.datasets.Get(ctx, ds.ID)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestHarvestParams(t *testing.T) {
	reset := func() {
		runDir, runEndpoint, runSetSpec, runMetadataPrefix, runStepSize = "", "", "", "", 0
	}
	t.Cleanup(reset)

	t.Run("file dataset", func(t *testing.T) {
		reset()
		runDir, runSetSpec, runStepSize = "/records", "*.xml", 50
		first, params, err := harvestParams(&dataset.Dataset{ID: "ds", Classification: workflow.FileHarvestOnlyValidation})
		require.NoError(t, err)
		assert.Equal(t, workflow.HarvestFile, first)
		assert.Equal(t, map[string]string{
			stage.ParamEndpoint: "/records",
			stage.ParamSetSpec:  "*.xml",
			stage.ParamStepSize: "50",
		}, params)
	})

	t.Run("oai dataset", func(t *testing.T) {
		reset()
		runEndpoint, runMetadataPrefix = "https://oai.example.org/oai", "rdf"
		first, params, err := harvestParams(&dataset.Dataset{ID: "ds", Classification: workflow.OAIHarvest})
		require.NoError(t, err)
		assert.Equal(t, workflow.HarvestOAI, first)
		assert.Equal(t, "rdf", params[stage.ParamMetadataPrefix])
		assert.Equal(t, "https://oai.example.org/oai", params[stage.ParamEndpoint])
	})

	t.Run("source flag must match classification", func(t *testing.T) {
		reset()
		runDir = "/records"
		_, _, err := harvestParams(&dataset.Dataset{ID: "ds", Classification: workflow.OAIHarvest})
		assert.True(t, errors.IsInvalidRequestError(err))
	})

	t.Run("debias has no harvest chain", func(t *testing.T) {
		reset()
		runDir = "/records"
		_, _, err := harvestParams(&dataset.Dataset{ID: "ds", Classification: workflow.DebiasClassification})
		assert.True(t, errors.IsConfiguration(err))
	})
}
