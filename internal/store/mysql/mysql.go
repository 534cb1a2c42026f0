// Package mysql implements the ledger store on MySQL through gorm.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	drv "github.com/go-sql-driver/mysql"
	"github.com/punchamoorthee/ledgerhooks/internal/store"
	"gorm.io/gorm"
)

type Store struct {
	client *Client
	db     *gorm.DB
}

var _ store.Store = (*Store)(nil)

func NewStore(client *Client) *Store {
	return &Store{client: client, db: client.DB()}
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Migrate creates or updates the tables.
func (s *Store) Migrate(ctx context.Context) error {
	err := s.db.WithContext(ctx).AutoMigrate(
		&accountRow{},
		&transactionRow{},
		&idempotencyRow{},
		&subscriptionRow{},
		&deliveryRow{},
	)
	if err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// InTx runs fn inside a REPEATABLE READ transaction. Deadlocks and lock
// wait timeouts come back as store.ErrConflict.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, &gormTx{db: tx})
	}, &sql.TxOptions{Isolation: sql.LevelRepeatableRead})
	return mapErr(err)
}

// mapErr translates driver errors into store sentinels. Errors that already
// carry a sentinel pass through untouched.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrDuplicate) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.ErrNotFound
	}
	var myErr *drv.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1213, 1205:
			return fmt.Errorf("%w: %w", store.ErrConflict, err)
		case 1062:
			return fmt.Errorf("%w: %w", store.ErrDuplicate, err)
		}
	}
	return err
}
