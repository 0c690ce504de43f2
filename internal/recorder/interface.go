package recorder

import (
	"context"
	"time"

	"codeberg.org/mutker/cellctl/internal/sample"
)

// Recorder receives every finalized dataset of a run.
type Recorder interface {
	Record(ctx context.Context, run RunInfo, ds *sample.CycleDataset) error
	Close() error
}

// RunInfo identifies the test run a dataset belongs to.
type RunInfo struct {
	ID        string
	Name      string
	Protocol  string
	StartedAt time.Time
}
