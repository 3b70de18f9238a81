// Package store persists order state outside the process: Redis keeps
// the open-order table warm for crash recovery, and PostgreSQL archives
// terminal orders and session summaries.
package store

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/quoterd/quoterd/internal/journal"
	"github.com/quoterd/quoterd/internal/orders"
)

const (
	defaultPostgresHost    = "localhost"
	defaultPostgresPort    = 5432
	defaultPostgresSSLMode = "disable"
)

// PostgresOption defines connection options for the archive database.
type PostgresOption struct {
	Host       string
	Port       int
	User       string
	Password   string
	Database   string
	SSLMode    string
	Params     map[string]string
	ConnString string
	Config     *gorm.Config
}

func (opt PostgresOption) dsn() string {
	if opt.ConnString != "" {
		return opt.ConnString
	}

	host := opt.Host
	if host == "" {
		host = defaultPostgresHost
	}
	port := opt.Port
	if port == 0 {
		port = defaultPostgresPort
	}
	sslMode := opt.SSLMode
	if sslMode == "" {
		sslMode = defaultPostgresSSLMode
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
	}
	if opt.User != "" {
		if opt.Password != "" {
			u.User = url.UserPassword(opt.User, opt.Password)
		} else {
			u.User = url.User(opt.User)
		}
	}
	if opt.Database != "" {
		u.Path = "/" + opt.Database
	}

	query := url.Values{}
	query.Set("sslmode", sslMode)
	for key, value := range opt.Params {
		if key == "" {
			continue
		}
		query.Set(key, value)
	}
	u.RawQuery = query.Encode()

	return u.String()
}

// ArchivedOrder is the archive row for one terminal order.
type ArchivedOrder struct {
	ID            uint            `gorm:"primaryKey"`
	ClientOrderID string          `gorm:"uniqueIndex;size:64"`
	ExchangeID    string          `gorm:"size:64"`
	Symbol        string          `gorm:"index;size:32"`
	Side          string          `gorm:"size:8"`
	Price         decimal.Decimal `gorm:"type:numeric"`
	Qty           decimal.Decimal `gorm:"type:numeric"`
	FilledQty     decimal.Decimal `gorm:"type:numeric"`
	Status        string          `gorm:"index;size:24"`
	SubmittedAt   time.Time
	ClosedAt      time.Time
}

// SessionRow is the archive row for one session summary.
type SessionRow struct {
	ID          uint            `gorm:"primaryKey"`
	Symbol      string          `gorm:"index;size:32"`
	StartedAt   time.Time
	EndedAt     time.Time
	Trades      uint64
	Volume      decimal.Decimal `gorm:"type:numeric"`
	RealizedPnL decimal.Decimal `gorm:"type:numeric"`
	NetPosition decimal.Decimal `gorm:"type:numeric"`
}

// Archive stores terminal orders and session summaries in PostgreSQL.
type Archive struct {
	db *gorm.DB
}

// NewArchive connects and migrates the archive schema.
func NewArchive(opt PostgresOption) (*Archive, error) {
	config := opt.Config
	if config == nil {
		config = &gorm.Config{}
	}
	db, err := gorm.Open(postgres.Open(opt.dsn()), config)
	if err != nil {
		return nil, fmt.Errorf("open archive db: %w", err)
	}
	if err := db.AutoMigrate(&ArchivedOrder{}, &SessionRow{}); err != nil {
		return nil, fmt.Errorf("migrate archive schema: %w", err)
	}
	return &Archive{db: db}, nil
}

// ArchiveOrder upserts one terminal order by client order id.
func (a *Archive) ArchiveOrder(ctx context.Context, o orders.Order) error {
	row := ArchivedOrder{
		ClientOrderID: o.ClientOrderID,
		ExchangeID:    o.ExchangeID,
		Symbol:        o.Symbol,
		Side:          o.Side.String(),
		Price:         o.Price,
		Qty:           o.Qty,
		FilledQty:     o.FilledQty,
		Status:        o.Status.String(),
		SubmittedAt:   o.CreatedAt,
		ClosedAt:      o.UpdatedAt,
	}
	err := a.db.WithContext(ctx).
		Where(ArchivedOrder{ClientOrderID: o.ClientOrderID}).
		Assign(row).
		FirstOrCreate(&row).Error
	if err != nil {
		return fmt.Errorf("archive order %s: %w", o.ClientOrderID, err)
	}
	return nil
}

// ArchiveSession stores one session summary.
func (a *Archive) ArchiveSession(ctx context.Context, s journal.SessionSummary) error {
	row := SessionRow{
		Symbol:      s.Symbol,
		StartedAt:   s.StartedAt,
		EndedAt:     s.EndedAt,
		Trades:      s.Trades,
		Volume:      s.Volume,
		RealizedPnL: s.RealizedPnL,
		NetPosition: s.NetPosition,
	}
	if err := a.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("archive session: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (a *Archive) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
