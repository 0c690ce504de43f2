package recorder

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"codeberg.org/mutker/cellctl/internal/errors"
	"codeberg.org/mutker/cellctl/internal/logger"
	"codeberg.org/mutker/cellctl/internal/sample"
)

const fileTimeLayout = "02.01.06_15;04"

// CSVExporter writes one CSV file per dataset.
type CSVExporter struct {
	dir    string
	logger logger.Logger
	now    func() time.Time
}

var _ Recorder = (*CSVExporter)(nil)

// NewCSVExporter creates dir if needed and returns an exporter into it.
func NewCSVExporter(dir string, log logger.Logger) (*CSVExporter, error) {
	if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
		return nil, errors.New().WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_export_dir",
			Path:  dir,
			Error: err.Error(),
		})
	}

	return &CSVExporter{dir: dir, logger: log, now: time.Now}, nil
}

// FileName returns the export file name for ds written at t.
func FileName(ds *sample.CycleDataset, t time.Time) string {
	return fmt.Sprintf("%s_%sC_#%d_@%sC_%s.csv",
		ds.Name,
		formatFloat(ds.Rate),
		ds.Step+1,
		formatFloat(ds.Temperature),
		t.Format(fileTimeLayout),
	)
}

func (e *CSVExporter) Record(_ context.Context, run RunInfo, ds *sample.CycleDataset) error {
	if ds == nil {
		return errors.New().New(ErrInvalidRecord)
	}

	path, err := e.ExportAt(ds, e.now())
	if err != nil {
		return err
	}

	e.logger.Info().
		Str("run_id", run.ID).
		Str("path", path).
		Int("samples", ds.Len()).
		Bool("partial", ds.Partial).
		Msg("Exported dataset")

	return nil
}

// ExportAt writes ds into the export directory under the file name for t
// and returns the file path.
func (e *CSVExporter) ExportAt(ds *sample.CycleDataset, t time.Time) (string, error) {
	path := filepath.Join(e.dir, FileName(ds, t))
	if err := WriteCSV(path, ds); err != nil {
		return "", err
	}
	return path, nil
}

func (e *CSVExporter) Close() error {
	return nil
}

// WriteCSV writes ds to path.
func WriteCSV(path string, ds *sample.CycleDataset) error {
	errFactory := errors.New()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, defaultFilePerm)
	if err != nil {
		return errFactory.Wrap(ErrExportFailed, err).WithData(path)
	}

	w := csv.NewWriter(f)
	if err := w.WriteAll(Rows(ds)); err != nil {
		f.Close()
		return errFactory.Wrap(ErrExportFailed, err).WithData(path)
	}

	if err := f.Close(); err != nil {
		return errFactory.Wrap(ErrExportFailed, err).WithData(path)
	}

	return nil
}

// Rows renders ds as a header row followed by one row per sample. The first
// column is the nominal tick time, the second the measured elapsed time.
func Rows(ds *sample.CycleDataset) [][]string {
	head := []string{"Time in seconds", "time", "Volts", "Current", "Power"}
	if ds.HasCapacity() {
		head = append(head, "Capacity")
	}
	if ds.HasAuxiliary() {
		head = append(head, "Auxiliary")
	}

	rows := make([][]string, 0, ds.Len()+1)
	rows = append(rows, head)

	interval := ds.SamplingInterval.Seconds()
	for i, smp := range ds.Samples {
		row := []string{
			formatFloat(sample.Round4(float64(i) * interval)),
			formatFloat(smp.Elapsed),
			formatFloat(smp.Voltage),
			formatFloat(smp.Current),
			formatFloat(smp.Power),
		}
		if ds.HasCapacity() {
			row = append(row, formatFloat(ds.Capacity[i]))
		}
		if ds.HasAuxiliary() {
			row = append(row, formatFloat(ds.Auxiliary[i]))
		}
		rows = append(rows, row)
	}

	return rows
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
