package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"github.com/web3guy0/ovlwatch/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DATABASE - Assessment history
// ═══════════════════════════════════════════════════════════════════════════════
//
// Only derived assessments are written. Positions themselves come from the
// watch list and are never stored.
//
// ═══════════════════════════════════════════════════════════════════════════════

var ErrNotFound = errors.New("not found")

type Database struct {
	db *gorm.DB
}

// Amount stores a decimal without loss: numeric(38,18) on PostgreSQL, text on
// SQLite, where a numeric column would round through a float.
type Amount struct {
	decimal.Decimal
}

func (Amount) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	return amountColumnType(db)
}

// NullAmount is an Amount that stores NULL when unset
type NullAmount struct {
	decimal.NullDecimal
}

func (NullAmount) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	return amountColumnType(db)
}

func amountColumnType(db *gorm.DB) string {
	if db.Dialector.Name() == "postgres" {
		return "numeric(38,18)"
	}
	return "text"
}

func amount(d decimal.Decimal) Amount { return Amount{d} }

// AssessmentRecord is one row per watch entry per scan
type AssessmentRecord struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	ScanID     string `gorm:"index"`
	PositionID uint64 `gorm:"index"`
	Label      string
	Market     string `gorm:"index"`
	Side       string // "LONG" or "SHORT"

	TotalOi           Amount
	TotalOiShares     Amount
	PriceExit         Amount
	MarginMaintenance Amount

	Oi               Amount
	Value            Amount
	Notional         Amount
	OpenLeverage     Amount
	OpenMargin       Amount
	IsUnderwater     bool
	IsLiquidatable   bool `gorm:"index"`
	LiquidationPrice NullAmount // NULL when the pool was empty

	LiquidateCalldata string
	Error             string

	EvaluatedAt time.Time `gorm:"index"`
	CreatedAt   time.Time
}

// New opens PostgreSQL for postgres:// DSNs, otherwise a SQLite file at dsn
func New(dsn string) (*Database, error) {
	var db *gorm.DB
	var err error

	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), cfg)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		log.Info().Msg("💾 Database connected (PostgreSQL)")
	} else {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create database dir: %w", err)
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), cfg)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		log.Info().Str("path", dsn).Msg("💾 Database initialized (SQLite)")
	}

	if err := db.AutoMigrate(&AssessmentRecord{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Database{db: db}, nil
}

// Close releases the underlying connection pool
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveAssessments writes one scan's results in a single batch
func (d *Database) SaveAssessments(assessments []types.Assessment) error {
	if len(assessments) == 0 {
		return nil
	}
	records := make([]AssessmentRecord, len(assessments))
	for i, a := range assessments {
		records[i] = toRecord(a)
	}
	return d.db.Create(&records).Error
}

// Recent returns the newest assessments first
func (d *Database) Recent(limit int) ([]types.Assessment, error) {
	var records []AssessmentRecord
	if err := d.db.Order("evaluated_at DESC, id DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, err
	}
	out := make([]types.Assessment, len(records))
	for i, r := range records {
		out[i] = r.toAssessment()
	}
	return out, nil
}

// LatestForPosition returns the newest assessment of one position
func (d *Database) LatestForPosition(positionID uint64) (types.Assessment, error) {
	var record AssessmentRecord
	err := d.db.Where("position_id = ?", positionID).Order("evaluated_at DESC, id DESC").First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Assessment{}, fmt.Errorf("position %d: %w", positionID, ErrNotFound)
	}
	if err != nil {
		return types.Assessment{}, err
	}
	return record.toAssessment(), nil
}

// CountLiquidatable returns how many liquidatable assessments were recorded since t
func (d *Database) CountLiquidatable(since time.Time) (int64, error) {
	var n int64
	err := d.db.Model(&AssessmentRecord{}).
		Where("is_liquidatable = ? AND evaluated_at >= ?", true, since.UTC()).
		Count(&n).Error
	return n, err
}

func toRecord(a types.Assessment) AssessmentRecord {
	return AssessmentRecord{
		ScanID:            a.ScanID,
		PositionID:        a.PositionID,
		Label:             a.Label,
		Market:            a.Market,
		Side:              a.Side,
		TotalOi:           amount(a.TotalOi),
		TotalOiShares:     amount(a.TotalOiShares),
		PriceExit:         amount(a.PriceExit),
		MarginMaintenance: amount(a.MarginMaintenance),
		Oi:                amount(a.Oi),
		Value:             amount(a.Value),
		Notional:          amount(a.Notional),
		OpenLeverage:      amount(a.OpenLeverage),
		OpenMargin:        amount(a.OpenMargin),
		IsUnderwater:      a.IsUnderwater,
		IsLiquidatable:    a.IsLiquidatable,
		LiquidationPrice:  NullAmount{decimal.NullDecimal{Decimal: a.LiquidationPrice, Valid: a.HasLiquidationPrice}},
		LiquidateCalldata: a.LiquidateCalldata,
		Error:             a.Error,
		EvaluatedAt:       a.EvaluatedAt.UTC(),
	}
}

func (r AssessmentRecord) toAssessment() types.Assessment {
	return types.Assessment{
		ScanID:              r.ScanID,
		PositionID:          r.PositionID,
		Label:               r.Label,
		Market:              r.Market,
		Side:                r.Side,
		TotalOi:             r.TotalOi.Decimal,
		TotalOiShares:       r.TotalOiShares.Decimal,
		PriceExit:           r.PriceExit.Decimal,
		MarginMaintenance:   r.MarginMaintenance.Decimal,
		Oi:                  r.Oi.Decimal,
		Value:               r.Value.Decimal,
		Notional:            r.Notional.Decimal,
		OpenLeverage:        r.OpenLeverage.Decimal,
		OpenMargin:          r.OpenMargin.Decimal,
		IsUnderwater:        r.IsUnderwater,
		IsLiquidatable:      r.IsLiquidatable,
		LiquidationPrice:    r.LiquidationPrice.Decimal,
		HasLiquidationPrice: r.LiquidationPrice.Valid,
		LiquidateCalldata:   r.LiquidateCalldata,
		Error:               r.Error,
		EvaluatedAt:         r.EvaluatedAt,
	}
}
