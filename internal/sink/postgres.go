package sink

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tickerflow/internal/model"
	"tickerflow/pkg/conn"
	"tickerflow/pkg/exception"
)

const tableName = "ticker_windows"

// tickerWindow is the row layout of the ticker_windows table.
type tickerWindow struct {
	IdempotencyKey string    `gorm:"column:idempotency_key;primaryKey;size:64"`
	Symbol         string    `gorm:"column:symbol;size:32;not null;index:idx_ticker_windows_symbol_ts,priority:1"`
	Price          float64   `gorm:"column:price;not null"`
	High           float64   `gorm:"column:high;not null"`
	Low            float64   `gorm:"column:low;not null"`
	Volume         float64   `gorm:"column:volume;not null"`
	AvgPrice       float64   `gorm:"column:avg_price;not null"`
	Count          int64     `gorm:"column:record_count;not null"`
	Timestamp      time.Time `gorm:"column:timestamp;not null;index:idx_ticker_windows_symbol_ts,priority:2"`
	WindowStart    time.Time `gorm:"column:window_start;not null"`
	WindowEnd      time.Time `gorm:"column:window_end;not null"`
	FirstEventAt   time.Time `gorm:"column:first_event_at;not null"`
	LastEventAt    time.Time `gorm:"column:last_event_at;not null"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (tickerWindow) TableName() string {
	return tableName
}

func toTickerWindow(row model.OutputRow) tickerWindow {
	return tickerWindow{
		IdempotencyKey: row.IdempotencyKey,
		Symbol:         row.Symbol,
		Price:          row.Price,
		High:           row.High,
		Low:            row.Low,
		Volume:         row.Volume,
		AvgPrice:       row.AvgPrice,
		Count:          row.Count,
		Timestamp:      row.Timestamp(),
		WindowStart:    row.WindowStart,
		WindowEnd:      row.WindowEnd,
		FirstEventAt:   row.FirstEventAt,
		LastEventAt:    row.LastEventAt,
	}
}

// Postgres writes rows into ticker_windows, ignoring keys that already exist.
type Postgres struct {
	db *gorm.DB
}

// NewPostgres wraps an open client. Call Migrate once before writing.
func NewPostgres(client *conn.Client) (*Postgres, error) {
	if client == nil || client.DB() == nil {
		return nil, exception.ErrNilStore
	}
	return &Postgres{db: client.DB()}, nil
}

// Migrate creates the table and its indexes if needed.
func (p *Postgres) Migrate(ctx context.Context) error {
	return classify(p.db.WithContext(ctx).AutoMigrate(&tickerWindow{}))
}

// Upsert inserts rows with ON CONFLICT (idempotency_key) DO NOTHING.
func (p *Postgres) Upsert(ctx context.Context, rows []model.OutputRow) error {
	if len(rows) == 0 {
		return nil
	}
	records := make([]tickerWindow, 0, len(rows))
	for _, row := range rows {
		records = append(records, toTickerWindow(row))
	}
	err := p.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).
		CreateInBatches(records, len(records)).Error
	return classify(err)
}

// transientClasses are SQLSTATE classes worth retrying: connection exception,
// transaction rollback, insufficient resources, operator intervention.
var transientClasses = map[string]struct{}{
	"08": {},
	"40": {},
	"53": {},
	"57": {},
}

// classify marks retryable failures with exception.ErrSinkTransient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if isTransient(err) {
		return fmt.Errorf("%w: %w", exception.ErrSinkTransient, err)
	}
	return err
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if len(pgErr.Code) < 2 {
			return false
		}
		_, ok := transientClasses[pgErr.Code[:2]]
		return ok
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}
