package recorder

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/cellctl/internal/errors"
	"codeberg.org/mutker/cellctl/internal/logger"
	"codeberg.org/mutker/cellctl/internal/sample"
	_ "github.com/mattn/go-sqlite3"
)

// Store persists datasets in SQLite. Each dataset is written in a single
// transaction.
type Store struct {
	db     *sql.DB
	logger logger.Logger
	cfg    Config
	mu     sync.Mutex
	closed bool
}

var _ Recorder = (*Store)(nil)

// NewStore opens (creating if needed) the database at cfg.DBPath.
func NewStore(cfg Config, log logger.Logger) (*Store, error) {
	errFactory := errors.New()

	if cfg.DBPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  cfg.DBPath,
			Error: err.Error(),
		})
	}

	dsn := cfg.DBPath + "?_journal=WAL&_auto_vacuum=2&_foreign_keys=1"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}
	// A single writer keeps WAL checkpoints simple.
	db.SetMaxOpenConns(1)

	if err := ValidateAndUpdateSchema(db, cfg.DBPath, log); err != nil {
		db.Close()
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "schema_version",
			Error: err.Error(),
		})
	}

	log.Info().
		Str("path", cfg.DBPath).
		Int("schema_version", SchemaVersion).
		Msg("Dataset store initialized")

	return &Store{
		db:     db,
		logger: log,
		cfg:    cfg,
	}, nil
}

// Record inserts the run (once) and the dataset with all its samples.
func (s *Store) Record(ctx context.Context, run RunInfo, ds *sample.CycleDataset) error {
	errFactory := errors.New()

	if ds == nil || run.ID == "" {
		return errFactory.New(ErrInvalidRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errFactory.WithMessage(ErrStorageAccess, "dataset store is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to begin transaction")
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				s.logger.Error().Err(err).Msg("Failed to roll back transaction")
			}
		}
	}()

	if _, err := tx.ExecContext(ctx, insertRunSQL,
		run.ID, run.Name, run.Protocol, run.StartedAt.Unix(),
	); err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	res, err := tx.ExecContext(ctx, insertDatasetSQL,
		run.ID,
		ds.Name,
		ds.Rate,
		int64(ds.Step),
		ds.Temperature,
		int64(ds.SamplingInterval),
		int64(ds.ChargeDuration),
		ds.CapacityAh,
		ds.EnergyWh,
		int64(boolToInt(ds.HasCapacity())),
		int64(boolToInt(ds.HasAuxiliary())),
		int64(boolToInt(ds.Partial)),
	)
	if err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	datasetID, err := res.LastInsertId()
	if err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	stmt, err := tx.PrepareContext(ctx, insertSampleSQL)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to prepare statement")
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	defer stmt.Close()

	for i, smp := range ds.Samples {
		var capacity, auxiliary sql.NullFloat64
		if ds.HasCapacity() {
			capacity = sql.NullFloat64{Float64: ds.Capacity[i], Valid: true}
		}
		if ds.HasAuxiliary() {
			auxiliary = sql.NullFloat64{Float64: ds.Auxiliary[i], Valid: true}
		}

		if _, err := stmt.ExecContext(ctx,
			datasetID, int64(i), smp.Elapsed, smp.Voltage, smp.Current, smp.Power, capacity, auxiliary,
		); err != nil {
			s.logger.Error().Err(err).Msg("Failed to execute insert")
			return errFactory.Wrap(ErrTransactionFailed, err)
		}
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to commit transaction")
		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	committed = true

	s.logger.Debug().
		Str("run_id", run.ID).
		Int64("dataset_id", datasetID).
		Int("samples", ds.Len()).
		Msg("Stored dataset")

	return nil
}

// Run returns the stored run metadata.
func (s *Store) Run(ctx context.Context, runID string) (RunInfo, error) {
	var (
		info      RunInfo
		startedAt int64
	)

	err := s.db.QueryRowContext(ctx, selectRunSQL, runID).
		Scan(&info.ID, &info.Name, &info.Protocol, &startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RunInfo{}, errors.New().WithData(errors.ErrResourceNotFound, runID)
	}
	if err != nil {
		return RunInfo{}, errors.New().Wrap(ErrStorageAccess, err)
	}
	info.StartedAt = time.Unix(startedAt, 0)

	return info, nil
}

// Datasets loads every dataset of a run in recording order.
func (s *Store) Datasets(ctx context.Context, runID string) ([]*sample.CycleDataset, error) {
	errFactory := errors.New()

	rows, err := s.db.QueryContext(ctx, selectDatasetsSQL, runID)
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	type stored struct {
		id           int64
		ds           *sample.CycleDataset
		hasCapacity  bool
		hasAuxiliary bool
	}

	var list []stored
	for rows.Next() {
		var (
			row                       stored
			interval, chargeDuration  int64
			hasCap, hasAux, isPartial int64
			ds                        sample.CycleDataset
		)
		if err := rows.Scan(
			&row.id, &ds.Name, &ds.Rate, &ds.Step, &ds.Temperature,
			&interval, &chargeDuration,
			&ds.CapacityAh, &ds.EnergyWh, &hasCap, &hasAux, &isPartial,
		); err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}
		ds.SamplingInterval = time.Duration(interval)
		ds.ChargeDuration = time.Duration(chargeDuration)
		ds.Partial = isPartial == 1
		row.hasCapacity = hasCap == 1
		row.hasAuxiliary = hasAux == 1
		row.ds = &ds
		list = append(list, row)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	datasets := make([]*sample.CycleDataset, 0, len(list))
	for _, row := range list {
		if err := s.loadSamples(ctx, row.id, row.ds, row.hasCapacity, row.hasAuxiliary); err != nil {
			return nil, err
		}
		datasets = append(datasets, row.ds)
	}

	return datasets, nil
}

func (s *Store) loadSamples(
	ctx context.Context,
	datasetID int64,
	ds *sample.CycleDataset,
	hasCapacity, hasAuxiliary bool,
) error {
	rows, err := s.db.QueryContext(ctx, selectSamplesSQL, datasetID)
	if err != nil {
		return errors.New().Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			smp                 sample.Sample
			capacity, auxiliary sql.NullFloat64
		)
		if err := rows.Scan(&smp.Elapsed, &smp.Voltage, &smp.Current, &smp.Power, &capacity, &auxiliary); err != nil {
			return errors.New().Wrap(ErrStorageAccess, err)
		}
		ds.Samples = append(ds.Samples, smp)
		if hasCapacity {
			ds.Capacity = append(ds.Capacity, capacity.Float64)
		}
		if hasAuxiliary {
			ds.Auxiliary = append(ds.Auxiliary, auxiliary.Float64)
		}
	}

	return rows.Err()
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	// Checkpoint WAL and cleanup on close
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "checkpoint_wal",
			Error: err.Error(),
		})
	}

	if err := s.db.Close(); err != nil {
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "close_database",
			Error: err.Error(),
		})
	}

	s.logger.Info().Msg("Dataset store closed gracefully")

	return nil
}
