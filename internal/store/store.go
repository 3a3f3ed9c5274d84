package store

import (
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DB is the relational store gateway. One instance per process; the
// pool is bounded so a stalled epoch transaction cannot starve others.
type DB struct {
	db *gorm.DB
}

// Open connects to PostgreSQL (postgres:// URLs) or falls back to
// SQLite for local runs and tests.
func Open(databaseURL string, poolSize int) (*DB, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		db, err = gorm.Open(postgres.Open(databaseURL), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		// Statement timeout guards the epoch transaction path.
		db.Exec("SET statement_timeout = 60000")
		log.Info().Msg("💾 Database connected (PostgreSQL)")
	} else {
		db, err = gorm.Open(sqlite.Open(databaseURL), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", databaseURL).Msg("💾 Database initialized (SQLite)")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(poolSize)
	sqlDB.SetMaxIdleConns(poolSize)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(
		&Round{}, &HisBet{}, &RealBet{}, &Claim{}, &MultiClaim{},
		&FinalizedEpoch{}, &FailedEpoch{}, &TradeLogRow{},
	); err != nil {
		return nil, err
	}

	return &DB{db: db}, nil
}

// Close ends the connection pool
func (d *DB) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
