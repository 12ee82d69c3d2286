package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmyxieat/tcm-intake/internal/config"
	apperrors "github.com/timmyxieat/tcm-intake/pkg/errors"
)

func TestConfigurePool_Defaults(t *testing.T) {
	poolCfg, err := pgxpool.ParseConfig("postgres://u:p@localhost:5432/db?sslmode=disable")
	require.NoError(t, err)

	configurePool(poolCfg, config.PostgresConfig{})

	assert.Equal(t, int32(defaultMaxConns), poolCfg.MaxConns)
	assert.Equal(t, defaultConnMaxLifetime, poolCfg.MaxConnLifetime)
	assert.Equal(t, defaultConnMaxIdleTime, poolCfg.MaxConnIdleTime)
}

func TestConfigurePool_Overrides(t *testing.T) {
	poolCfg, err := pgxpool.ParseConfig("postgres://u:p@localhost:5432/db?sslmode=disable")
	require.NoError(t, err)

	configurePool(poolCfg, config.PostgresConfig{
		MaxConns:        25,
		MinConns:        2,
		ConnMaxLifetime: 10 * time.Minute,
		ConnMaxIdleTime: time.Minute,
	})

	assert.Equal(t, int32(25), poolCfg.MaxConns)
	assert.Equal(t, int32(2), poolCfg.MinConns)
	assert.Equal(t, 10*time.Minute, poolCfg.MaxConnLifetime)
	assert.Equal(t, time.Minute, poolCfg.MaxConnIdleTime)
}

// fakeTx records how a transaction was finished.
type fakeTx struct {
	pgx.Tx
	committed   bool
	rolledBack  bool
	commitErr   error
	rollbackErr error
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return f.commitErr
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolledBack = true
	return f.rollbackErr
}

type fakeBeginner struct {
	tx  *fakeTx
	err error
}

func (b *fakeBeginner) Begin(context.Context) (pgx.Tx, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.tx, nil
}

func TestWithTransaction_Commit(t *testing.T) {
	tx := &fakeTx{}
	err := WithTransaction(context.Background(), &fakeBeginner{tx: tx}, func(context.Context, pgx.Tx) error {
		return nil
	})
	require.NoError(t, err)
	assert.True(t, tx.committed)
	assert.False(t, tx.rolledBack)
}

func TestWithTransaction_RollbackOnError(t *testing.T) {
	tx := &fakeTx{}
	boom := errors.New("boom")
	err := WithTransaction(context.Background(), &fakeBeginner{tx: tx}, func(context.Context, pgx.Tx) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.True(t, tx.rolledBack)
	assert.False(t, tx.committed)
}

func TestWithTransaction_RollbackFailureIsReported(t *testing.T) {
	tx := &fakeTx{rollbackErr: errors.New("conn lost")}
	err := WithTransaction(context.Background(), &fakeBeginner{tx: tx}, func(context.Context, pgx.Tx) error {
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeDatabaseError))
	assert.Contains(t, err.Error(), "conn lost")
}

func TestWithTransaction_RollbackOnPanic(t *testing.T) {
	tx := &fakeTx{}
	assert.Panics(t, func() {
		_ = WithTransaction(context.Background(), &fakeBeginner{tx: tx}, func(context.Context, pgx.Tx) error {
			panic("kaboom")
		})
	})
	assert.True(t, tx.rolledBack)
}

func TestWithTransaction_BeginError(t *testing.T) {
	err := WithTransaction(context.Background(), &fakeBeginner{err: errors.New("no conn")}, func(context.Context, pgx.Tx) error {
		t.Fatal("fn must not run")
		return nil
	})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeDatabaseError))
}

func TestWithTransaction_CommitError(t *testing.T) {
	tx := &fakeTx{commitErr: errors.New("serialization failure")}
	err := WithTransaction(context.Background(), &fakeBeginner{tx: tx}, func(context.Context, pgx.Tx) error {
		return nil
	})
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeDatabaseError))
}
