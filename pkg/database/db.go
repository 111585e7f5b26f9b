package database

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/dbehnke/ambetools/pkg/logger"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	// Registers the "sqlite" driver; no cgo.
	_ "modernc.org/sqlite"
)

// DefaultPath is used when Config.Path is empty.
const DefaultPath = "ambetools.db"

// pragmas are applied by the driver to every pooled connection. A history
// write from one tool run can overlap a read from another, hence WAL and
// a busy timeout.
var pragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
}

// DB is the conversion history store.
type DB struct {
	db  *gorm.DB
	log *logger.Logger
}

// Config selects the history file.
type Config struct {
	Path string
}

// NewDB opens the conversion history database, creating the file, its
// directory and the schema as needed.
func NewDB(cfg Config, log *logger.Logger) (*DB, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if log == nil {
		log = logger.Nop()
	}

	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("history: create %s: %w", dir, err)
		}
	}

	db, err := gorm.Open(sqlite.Dialector{DriverName: "sqlite", DSN: dsn(cfg.Path)}, &gorm.Config{
		Logger: gormlogger.New(historyLog{log}, gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", cfg.Path, err)
	}

	if err := db.AutoMigrate(&Conversion{}); err != nil {
		if sqlDB, derr := db.DB(); derr == nil {
			_ = sqlDB.Close()
		}
		return nil, fmt.Errorf("history: migrate: %w", err)
	}

	log.Debug("History database opened", logger.String("path", cfg.Path))
	return &DB{db: db, log: log}, nil
}

// dsn builds a modernc URI carrying the connection pragmas.
func dsn(path string) string {
	q := url.Values{}
	for _, p := range pragmas {
		q.Add("_pragma", p)
	}
	return "file:" + path + "?" + q.Encode()
}

// Close releases the connection pool.
func (d *DB) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetDB exposes the gorm handle.
func (d *DB) GetDB() *gorm.DB {
	return d.db
}

// Conversions returns a repository over this database.
func (d *DB) Conversions() *ConversionRepository {
	return NewConversionRepository(d.db)
}

// historyLog routes gorm's slow-query and error reports to the tool log.
type historyLog struct {
	log *logger.Logger
}

func (h historyLog) Printf(format string, args ...any) {
	h.log.Warn(fmt.Sprintf(format, args...))
}
