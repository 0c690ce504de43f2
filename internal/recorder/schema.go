package recorder

import (
	"database/sql"

	"codeberg.org/mutker/cellctl/internal/errors"
	"codeberg.org/mutker/cellctl/internal/logger"
)

const (
	SchemaVersion = 1 // Increment version for breaking change

	// SQL statements derived from schema
	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS runs (
	       id          TEXT PRIMARY KEY,
	       name        TEXT NOT NULL,
	       protocol    TEXT NOT NULL,
	       started_at  INTEGER NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS datasets (
	       id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	       run_id               TEXT NOT NULL REFERENCES runs(id),
	       name                 TEXT NOT NULL,
	       rate                 REAL NOT NULL,
	       step                 INTEGER NOT NULL CHECK (typeof(step) = 'integer'),
	       temperature          REAL NOT NULL,
	       sampling_interval_ns INTEGER NOT NULL,
	       charge_duration_ns   INTEGER NOT NULL,
	       capacity_ah          REAL NOT NULL,
	       energy_wh            REAL NOT NULL,
	       has_capacity         INTEGER NOT NULL CHECK (has_capacity IN (0, 1)),
	       has_auxiliary        INTEGER NOT NULL CHECK (has_auxiliary IN (0, 1)),
	       partial              INTEGER NOT NULL CHECK (partial IN (0, 1))
	   );
	   CREATE TABLE IF NOT EXISTS samples (
	       dataset_id  INTEGER NOT NULL REFERENCES datasets(id),
	       seq         INTEGER NOT NULL,
	       elapsed     REAL NOT NULL,
	       voltage     REAL NOT NULL,
	       current     REAL NOT NULL,
	       power       REAL NOT NULL,
	       capacity    REAL,
	       auxiliary   REAL,
	       PRIMARY KEY (dataset_id, seq)
	   );`

	insertRunSQL = `
    INSERT OR IGNORE INTO runs (id, name, protocol, started_at)
    VALUES (?, ?, ?, ?)`

	insertDatasetSQL = `
    INSERT INTO datasets (
        run_id, name, rate, step, temperature,
        sampling_interval_ns, charge_duration_ns,
        capacity_ah, energy_wh,
        has_capacity, has_auxiliary, partial
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	insertSampleSQL = `
    INSERT INTO samples (
        dataset_id, seq, elapsed, voltage, current, power, capacity, auxiliary
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	selectDatasetsSQL = `
    SELECT id, name, rate, step, temperature,
           sampling_interval_ns, charge_duration_ns,
           capacity_ah, energy_wh, has_capacity, has_auxiliary, partial
    FROM datasets
    WHERE run_id = ?
    ORDER BY id`

	selectSamplesSQL = `
    SELECT elapsed, voltage, current, power, capacity, auxiliary
    FROM samples
    WHERE dataset_id = ?
    ORDER BY seq`

	selectRunSQL = `
    SELECT id, name, protocol, started_at
    FROM runs
    WHERE id = ?`
)

// InitSchema creates a new database schema with the current version
func InitSchema(db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	log.Debug().Msg("Creating database...")

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil {
				if !errors.Is(err, sql.ErrTxDone) {
					log.Debug().Err(err).Msg("Failed to rollback transaction")
				}
			}
		}
	}()

	if _, err := tx.Exec(createTablesSQL); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			SQL   string
		}{
			Error: err.Error(),
			SQL:   createTablesSQL,
		})
	}

	if _, err := tx.Exec(`
        INSERT INTO schema_versions (version, applied_at)
        VALUES (?, datetime('now'))
    `, SchemaVersion); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			Phase string
		}{
			Error: err.Error(),
			Phase: "record_version",
		})
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	log.Info().
		Int("version", SchemaVersion).
		Msg("Schema initialized successfully")

	return nil
}

// GetSchemaVersion returns the current schema version
func GetSchemaVersion(db *sql.DB) (int, error) {
	errFactory := errors.New()

	exists, err := TableExists(db, "schema_versions")
	if err != nil {
		return 0, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRow(`
        SELECT version
        FROM schema_versions
        ORDER BY version DESC
        LIMIT 1
    `).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Error string
		}{
			Phase: "get_version",
			Error: err.Error(),
		})
	}

	return version, nil
}

// TableExists checks if a table exists
func TableExists(db *sql.DB, tableName string) (bool, error) {
	var exists bool
	err := db.QueryRow(`
        SELECT EXISTS (
            SELECT 1 FROM sqlite_master
            WHERE type='table' AND name=?
        )
    `, tableName).Scan(&exists)
	if err != nil {
		return false, errors.New().WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Table string
			Error string
		}{
			Phase: "check_table_exists",
			Table: tableName,
			Error: err.Error(),
		})
	}
	return exists, nil
}
