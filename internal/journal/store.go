// Package journal mirrors engine events and closed trades into SQLite for
// reporting. The default DSN is in-memory, so nothing outlives the process.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"perpdesk/internal/position"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const DefaultDSN = "file::memory:?cache=shared"

// Event is one engine event as journaled.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Symbol    string          `json:"symbol,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type Store struct {
	db *gorm.DB
}

func Open(dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = DefaultDSN
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", dsn, err)
	}
	if err := db.AutoMigrate(&eventModel{}, &tradeModel{}); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// An in-memory database lives as long as one connection does.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	payload := evt.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	row := eventModel{
		EventID:   evt.ID,
		Type:      evt.Type,
		Symbol:    evt.Symbol,
		Payload:   datatypes.JSON(payload),
		CreatedAt: evt.CreatedAt,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// ListEvents returns the newest events first. An empty typ matches all.
func (s *Store) ListEvents(ctx context.Context, typ string, limit int) ([]Event, error) {
	q := s.db.WithContext(ctx).Order("id DESC")
	if typ != "" {
		q = q.Where("type = ?", typ)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []eventModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, Event{
			ID:        r.EventID,
			Type:      r.Type,
			Symbol:    r.Symbol,
			Payload:   json.RawMessage(r.Payload),
			CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}

// SaveTrade stores a closed position. Saving the same position twice keeps
// the first record.
func (s *Store) SaveTrade(ctx context.Context, rec position.Record) error {
	row := tradeModel{
		PositionID:  rec.ID,
		Symbol:      rec.Symbol,
		Side:        string(rec.Side),
		Strategy:    rec.Strategy,
		Quantity:    rec.Quantity.String(),
		EntryPrice:  rec.EntryPrice.String(),
		ExitPrice:   rec.ExitPrice.String(),
		Leverage:    rec.Leverage,
		Margin:      rec.Margin.String(),
		StopLoss:    rec.StopLoss.String(),
		TakeProfit:  rec.TakeProfit.String(),
		RealizedPnL: rec.RealizedPnL.String(),
		Status:      string(rec.Status),
		Reason:      rec.Reason,
		Confidence:  rec.Confidence,
		OpenedAt:    rec.OpenedAt,
		ClosedAt:    rec.ClosedAt,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "position_id"}}, DoNothing: true}).
		Create(&row).Error
}

// ListTrades returns closed trades, newest first, optionally for one symbol.
func (s *Store) ListTrades(ctx context.Context, symbol string, limit int) ([]position.Record, error) {
	q := s.db.WithContext(ctx).Order("closed_at DESC, id DESC")
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []tradeModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]position.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

func (r tradeModel) record() position.Record {
	return position.Record{
		Position: position.Position{
			ID:         r.PositionID,
			Symbol:     r.Symbol,
			Side:       position.Side(r.Side),
			Quantity:   parseDec(r.Quantity),
			EntryPrice: parseDec(r.EntryPrice),
			Leverage:   r.Leverage,
			Margin:     parseDec(r.Margin),
			StopLoss:   parseDec(r.StopLoss),
			TakeProfit: parseDec(r.TakeProfit),
			OpenedAt:   r.OpenedAt,
			Status:     position.Status(r.Status),
			LastPrice:  parseDec(r.ExitPrice),
			UpdatedAt:  r.ClosedAt,
			Strategy:   r.Strategy,
			Confidence: r.Confidence,
		},
		ExitPrice:   parseDec(r.ExitPrice),
		RealizedPnL: parseDec(r.RealizedPnL),
		Reason:      r.Reason,
		ClosedAt:    r.ClosedAt,
	}
}

func parseDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
