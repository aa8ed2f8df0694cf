package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/careflowhq/careflow/config"
)

func setupTestDB(t *testing.T) (sqlmock.Sqlmock, *gorm.DB) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{
		DisableAutomaticPing: true,
	})
	require.NoError(t, err)
	return mock, gormDB
}

func newTestPool(t *testing.T, cfg PoolConfig) (*PoolManager, sqlmock.Sqlmock) {
	t.Helper()
	mock, gormDB := setupTestDB(t)
	pm, err := NewPoolManager(gormDB, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { pm.Close() })
	return pm, mock
}

func TestNewPoolManagerRequiresDB(t *testing.T) {
	_, err := NewPoolManager(nil, DefaultPoolConfig(), nil)
	assert.Error(t, err)
}

func TestPoolManagerAppliesLimits(t *testing.T) {
	pm, _ := newTestPool(t, PoolConfig{MaxOpenConns: 7, MaxIdleConns: 3})
	assert.Equal(t, 7, pm.Stats().MaxOpenConnections)
	assert.NotNil(t, pm.DB())
}

func TestPoolManagerPing(t *testing.T) {
	pm, mock := newTestPool(t, PoolConfig{MaxOpenConns: 5, MaxIdleConns: 2})

	mock.ExpectPing()
	assert.NoError(t, pm.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	assert.Error(t, pm.Ping(context.Background()))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManagerCloseIsIdempotent(t *testing.T) {
	mock, gormDB := setupTestDB(t)
	pm, err := NewPoolManager(gormDB, PoolConfig{MaxOpenConns: 5}, nil)
	require.NoError(t, err)

	mock.ExpectClose()
	require.NoError(t, pm.Close())
	require.NoError(t, pm.Close())

	assert.Error(t, pm.Ping(context.Background()), "closed pool must reject pings")
}

func TestWithTransactionCommits(t *testing.T) {
	// MaxIdleConns keeps sqlmock's single connection pooled between
	// statements; with 0 the pool closes it and the next checkout fails.
	pm, mock := newTestPool(t, PoolConfig{MaxOpenConns: 5, MaxIdleConns: 2})

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE workflow_versions").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := pm.WithTransaction(context.Background(), func(tx *gorm.DB) error {
		return tx.Exec("UPDATE workflow_versions SET active = false").Error
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTransactionRollsBackOnError(t *testing.T) {
	pm, mock := newTestPool(t, PoolConfig{MaxOpenConns: 5, MaxIdleConns: 2})

	mock.ExpectBegin()
	mock.ExpectRollback()

	sentinel := errors.New("boom")
	err := pm.WithTransaction(context.Background(), func(tx *gorm.DB) error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTransactionRetryRecoversFromDeadlock(t *testing.T) {
	pm, mock := newTestPool(t, PoolConfig{MaxOpenConns: 5, MaxIdleConns: 2})

	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectCommit()

	calls := 0
	err := pm.WithTransactionRetry(context.Background(), 3, func(tx *gorm.DB) error {
		calls++
		if calls == 1 {
			return errors.New("deadlock detected")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestWithTransactionRetryStopsOnPermanentError(t *testing.T) {
	pm, mock := newTestPool(t, PoolConfig{MaxOpenConns: 5, MaxIdleConns: 2})

	mock.ExpectBegin()
	mock.ExpectRollback()

	calls := 0
	err := pm.WithTransactionRetry(context.Background(), 3, func(tx *gorm.DB) error {
		calls++
		return errors.New("syntax error")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls, "non-retryable errors must not retry")
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, isRetryableError(nil))
	assert.False(t, isRetryableError(errors.New("duplicate key")))
	for _, msg := range []string{
		"deadlock detected",
		"ERROR: could not serialize access (SQLSTATE 40001)",
		"read tcp: connection reset by peer",
		"driver: bad connection",
		"Lock wait timeout exceeded",
	} {
		assert.True(t, isRetryableError(errors.New(msg)), msg)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Driver: "oracle"}, nil)
	assert.Error(t, err)
}

func TestOpenSQLite(t *testing.T) {
	cfg := config.DatabaseConfig{Driver: "sqlite", Name: ":memory:"}
	db, err := Open(cfg, nil)
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	defer sqlDB.Close()
	assert.NoError(t, sqlDB.PingContext(context.Background()))
}

func TestDefaultPoolConfig(t *testing.T) {
	cfg := DefaultPoolConfig()
	assert.Equal(t, 100, cfg.MaxOpenConns)
	assert.Equal(t, time.Hour, cfg.ConnMaxLifetime)
}
