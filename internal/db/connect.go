package db

import (
	"fmt"
	"net"
	"strconv"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/zulandar/switchboard/internal/config"
)

// DSN builds a MySQL DSN for the configured server.
func DSN(cfg config.DatabaseConfig) string {
	mc := mysqldriver.NewConfig()
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	mc.DBName = cfg.Database
	mc.ParseTime = true
	mc.Loc = time.UTC
	return mc.FormatDSN()
}

// Open opens a GORM connection for the configured driver.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gcfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	switch cfg.Driver {
	case "sqlite":
		db, err := gorm.Open(sqlite.Open(cfg.Path), gcfg)
		if err != nil {
			return nil, fmt.Errorf("db: open sqlite %s: %w", cfg.Path, err)
		}
		// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("db: sqlite handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
		return db, nil

	case "mysql":
		db, err := gorm.Open(mysql.Open(DSN(cfg)), gcfg)
		if err != nil {
			return nil, fmt.Errorf("db: connect to %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.Database, err)
		}
		return db, nil

	case "":
		return nil, fmt.Errorf("db: no database driver configured")
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", cfg.Driver)
	}
}

// Close releases the connection pool behind db.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("db: close: %w", err)
	}
	return sqlDB.Close()
}
