package recorder

import "codeberg.org/mutker/cellctl/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrInvalidDBPath = errors.ErrorCode("recorder_invalid_db_path")

	// Schema Errors
	ErrSchemaInitFailed       = errors.ErrorCode("recorder_schema_init_failed")
	ErrSchemaValidationFailed = errors.ErrorCode("recorder_schema_validation_failed")
	ErrSchemaMigrationFailed  = errors.ErrorCode("recorder_schema_migration_failed")
	ErrTransactionFailed      = errors.ErrorCode("recorder_transaction_failed")

	// Storage Errors
	ErrStorageAccess = errors.ErrorCode("recorder_storage_access_failed")
	ErrStorageInit   = errors.ErrInitFailed
	ErrStorageClose  = errors.ErrShutdownFailed

	// Export Errors
	ErrExportFailed  = errors.ErrorCode("recorder_export_failed")
	ErrInvalidRecord = errors.ErrorCode("recorder_invalid_record")
)

func init() {
	errors.Register(map[errors.ErrorCode]string{
		ErrInvalidDBPath:          "Invalid dataset database path",
		ErrSchemaInitFailed:       "Failed to initialize dataset schema",
		ErrSchemaValidationFailed: "Failed to validate dataset schema",
		ErrSchemaMigrationFailed:  "Failed to migrate dataset schema",
		ErrTransactionFailed:      "Dataset transaction failed",
		ErrStorageAccess:          "Failed to access dataset storage",
		ErrExportFailed:           "Failed to export dataset",
		ErrInvalidRecord:          "Invalid dataset record",
	})
}
