package recorder

import (
	"context"

	"codeberg.org/mutker/cellctl/internal/errors"
	"codeberg.org/mutker/cellctl/internal/logger"
	"codeberg.org/mutker/cellctl/internal/sample"
)

// Multi fans a dataset out to several recorders. Every recorder is
// attempted; the first failure is returned.
type Multi []Recorder

// No-op implementation
type nopRecorder struct{}

// Nop returns a Recorder that discards datasets.
func Nop() Recorder {
	return nopRecorder{}
}

// New builds the recorders enabled by cfg. Without any destination it
// returns Nop.
func New(cfg Config, log logger.Logger) (Recorder, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	var recorders Multi

	if cfg.DBPath != "" {
		store, err := NewStore(cfg, log)
		if err != nil {
			log.Debug().Err(err).Msg("Failed to create dataset store")
			return nil, err
		}
		recorders = append(recorders, store)
	}

	if cfg.ExportDir != "" {
		exporter, err := NewCSVExporter(cfg.ExportDir, log)
		if err != nil {
			recorders.Close()
			return nil, err
		}
		recorders = append(recorders, exporter)
	}

	switch len(recorders) {
	case 0:
		log.Debug().Msg("Dataset recording disabled, using no-op recorder")
		return Nop(), nil
	case 1:
		return recorders[0], nil
	}

	return recorders, nil
}

func (m Multi) Record(ctx context.Context, run RunInfo, ds *sample.CycleDataset) error {
	var first error
	for _, r := range m {
		if err := r.Record(ctx, run, ds); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m Multi) Close() error {
	var first error
	for _, r := range m {
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (nopRecorder) Record(_ context.Context, _ RunInfo, _ *sample.CycleDataset) error {
	return nil
}

func (nopRecorder) Close() error {
	return nil
}
