package recorder_test

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/cellctl/internal/logger"
	"codeberg.org/mutker/cellctl/internal/recorder"
	"codeberg.org/mutker/cellctl/internal/sample"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRun() recorder.RunInfo {
	return recorder.RunInfo{
		ID:        "0b8f3c1e-8d9a-4a55-9a51-3d2a1c7e9f00",
		Name:      "cell-a",
		Protocol:  "rate",
		StartedAt: time.Unix(1700000000, 0),
	}
}

func testDataset(withCapacity bool) *sample.CycleDataset {
	agg := sample.NewAggregator()
	agg.TrackCapacity(withCapacity)
	agg.BeginPhase(0, true)
	for i := 1; i <= 5; i++ {
		agg.AddSample(float64(i)*0.2, 4.0-float64(i)*0.1, 2.5)
		agg.AddAuxiliary(24.5 + float64(i)*0.1)
	}
	return agg.Finalize("rate_characteristic_0", 0.5, 0, 23.4, 200*time.Millisecond, 0)
}

func TestStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := recorder.NewStore(recorder.Config{DBPath: filepath.Join(dir, "datasets.db")}, logger.Nop())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	first := testDataset(true)
	second := testDataset(false)
	second.Step = 1
	second.Partial = true

	require.NoError(t, store.Record(ctx, testRun(), first))
	require.NoError(t, store.Record(ctx, testRun(), second))

	got, err := store.Datasets(ctx, testRun().ID)
	require.NoError(t, err)
	require.Len(t, got, 2)

	if diff := cmp.Diff(first, got[0]); diff != "" {
		t.Errorf("first dataset mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(second, got[1]); diff != "" {
		t.Errorf("second dataset mismatch (-want +got):\n%s", diff)
	}

	info, err := store.Run(ctx, testRun().ID)
	require.NoError(t, err)
	assert.Equal(t, testRun().Protocol, info.Protocol)
	assert.True(t, testRun().StartedAt.Equal(info.StartedAt))
}

func TestStoreRejectsRecordAfterClose(t *testing.T) {
	store, err := recorder.NewStore(recorder.Config{DBPath: filepath.Join(t.TempDir(), "d.db")}, logger.Nop())
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	assert.Error(t, store.Record(context.Background(), testRun(), testDataset(false)))
}

func TestSchemaMismatchBacksUp(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "datasets.db")

	store, err := recorder.NewStore(recorder.Config{DBPath: dbPath}, logger.Nop())
	require.NoError(t, err)
	require.NoError(t, store.Record(context.Background(), testRun(), testDataset(false)))
	require.NoError(t, store.Close())

	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO schema_versions (version, applied_at) VALUES (99, datetime('now'))`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	store, err = recorder.NewStore(recorder.Config{DBPath: dbPath}, logger.Nop())
	require.NoError(t, err)
	defer store.Close()

	backups, err := filepath.Glob(filepath.Join(dir, "backups", "datasets_v99_*.db"))
	require.NoError(t, err)
	assert.Len(t, backups, 1)

	got, err := store.Datasets(context.Background(), testRun().ID)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFileName(t *testing.T) {
	ds := testDataset(false)
	ds.Step = 2

	name := recorder.FileName(ds, time.Date(2024, 3, 5, 14, 7, 0, 0, time.UTC))
	assert.Equal(t, "rate_characteristic_0_0.5C_#3_@23.4C_05.03.24_14;07.csv", name)
}

func TestRowsColumns(t *testing.T) {
	rows := recorder.Rows(testDataset(true))
	require.Len(t, rows, 6)
	assert.Equal(t, []string{"Time in seconds", "time", "Volts", "Current", "Power", "Capacity", "Auxiliary"}, rows[0])
	assert.Equal(t, "0", rows[1][0])
	assert.Equal(t, "0.2", rows[1][1])
	assert.Equal(t, "0.8", rows[5][0])

	noCapacity := testDataset(false)
	noCapacity.Auxiliary = nil
	assert.Equal(t, []string{"Time in seconds", "time", "Volts", "Current", "Power"}, recorder.Rows(noCapacity)[0])
}

func TestCSVExporterWritesFile(t *testing.T) {
	dir := t.TempDir()
	exporter, err := recorder.NewCSVExporter(dir, logger.Nop())
	require.NoError(t, err)

	require.NoError(t, exporter.Record(context.Background(), testRun(), testDataset(true)))

	files, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	f, err := os.Open(files[0])
	require.NoError(t, err)
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	assert.Len(t, records, 6)
}

type failingRecorder struct {
	err   error
	calls int
}

func (f *failingRecorder) Record(context.Context, recorder.RunInfo, *sample.CycleDataset) error {
	f.calls++
	return f.err
}

func (f *failingRecorder) Close() error {
	return f.err
}

func TestMultiAttemptsEveryRecorder(t *testing.T) {
	boom := errors.New("boom")
	first := &failingRecorder{err: boom}
	second := &failingRecorder{}

	multi := recorder.Multi{first, second}
	err := multi.Record(context.Background(), testRun(), testDataset(false))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, second.calls)
	assert.ErrorIs(t, multi.Close(), boom)
}

func TestNewWithoutDestinationsIsNop(t *testing.T) {
	rec, err := recorder.New(recorder.Config{}, logger.Nop())
	require.NoError(t, err)
	assert.NoError(t, rec.Record(context.Background(), testRun(), testDataset(false)))
	assert.NoError(t, rec.Close())
}

func TestNewCombinesDestinations(t *testing.T) {
	dir := t.TempDir()
	rec, err := recorder.New(recorder.Config{
		DBPath:    filepath.Join(dir, "datasets.db"),
		ExportDir: filepath.Join(dir, "export"),
	}, logger.Nop())
	require.NoError(t, err)
	defer rec.Close()

	_, ok := rec.(recorder.Multi)
	assert.True(t, ok)
}
