package db

import (
	"fmt"
	"time"

	"payswap-backend/internal/config"
	"payswap-backend/internal/metrics"
	"payswap-backend/internal/models"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB opens the configured database and migrates the schema. sqlite is
// for local runs; production uses postgres.
func InitDB(cfg config.DatabaseConfig, log *logrus.Logger) (*gorm.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		dialector = postgres.Open(cfg.DSN)
	}

	conn, err := gorm.Open(dialector, &gorm.Config{
		SkipDefaultTransaction: true,
		PrepareStmt:            cfg.Driver != "sqlite",
		TranslateError:         true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		metrics.DBConnectionPoolSize.Set(float64(cfg.MaxOpenConns))
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	log.WithField("driver", cfg.Driver).Info("✅ Database connected successfully")

	if err := Migrate(conn); err != nil {
		return nil, err
	}
	log.Info("✅ Database schema migrated successfully")

	return conn, nil
}

// Migrate creates or updates the tables this service owns plus the
// identity table it reads from.
func Migrate(conn *gorm.DB) error {
	if err := conn.AutoMigrate(
		&models.Identity{},
		&models.Payment{},
		&models.Receipt{},
		&models.SwapJob{},
	); err != nil {
		return fmt.Errorf("AutoMigrate failed: %w", err)
	}
	return nil
}

// Ping reports database health and refreshes the pool gauges.
func Ping(conn *gorm.DB) error {
	sqlDB, err := conn.DB()
	if err != nil {
		metrics.DBConnectionStatus.Set(0)
		return err
	}
	if err := sqlDB.Ping(); err != nil {
		metrics.DBConnectionStatus.Set(0)
		return err
	}
	stats := sqlDB.Stats()
	metrics.DBConnectionStatus.Set(1)
	metrics.DBConnectionActive.Set(float64(stats.InUse))
	metrics.DBConnectionIdle.Set(float64(stats.Idle))
	return nil
}

// OpenMemory opens a private in-memory sqlite database with the schema
// applied. A single connection keeps every statement on the same database.
func OpenMemory() (*gorm.DB, error) {
	conn, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	if err := Migrate(conn); err != nil {
		return nil, err
	}
	return conn, nil
}
