package steps

import (
	"context"

	"github.com/teranos/metis/stage"
)

// ProcessHandler is a consuming stage: it runs proc over the output of the
// stage named by source_execution_id.
type ProcessHandler struct {
	stageType string
	processor Processor
	runner    *Runner
}

// NewProcessHandler creates the handler for stageType
func NewProcessHandler(stageType string, proc Processor, runner *Runner) *ProcessHandler {
	return &ProcessHandler{stageType: stageType, processor: proc, runner: runner}
}

func (h *ProcessHandler) StageType() string { return h.stageType }

func (h *ProcessHandler) Execute(ctx context.Context, exec *stage.Execution, report stage.ProgressReporter) error {
	_, err := h.runner.Run(ctx, exec, h.processor, report)
	return err
}
