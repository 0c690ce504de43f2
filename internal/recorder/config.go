package recorder

import "codeberg.org/mutker/cellctl/internal/errors"

const (
	// File system permissions and paths
	defaultDirPerm  = 0o755
	defaultFilePerm = 0o644
)

type Config struct {
	// DBPath enables the SQLite store when set.
	DBPath string
	// ExportDir enables CSV export when set.
	ExportDir string
}

func (c Config) Validate() error {
	if c.DBPath == "" && c.ExportDir == "" {
		return nil
	}
	if c.DBPath != "" && c.DBPath == c.ExportDir {
		return errors.New().WithData(ErrInvalidDBPath, c.DBPath)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
