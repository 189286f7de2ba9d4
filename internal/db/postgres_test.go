package db

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portreg/internal/config"
	"portreg/internal/logger"
	"portreg/internal/models"
	"portreg/internal/store"
)

func TestClassifyPostgresErrorPortConflict(t *testing.T) {
	pgErr := &pgconn.PgError{Code: sqlstateUniqueViolation, TableName: "ports", ConstraintName: "ports_port_key"}

	err := classifyPostgresError(pgErr, "insert port")
	assert.ErrorIs(t, err, store.ErrPortInUse)
	assert.True(t, store.IsRetryable(err))
}

func TestClassifyPostgresErrorDeviceConflict(t *testing.T) {
	pgErr := &pgconn.PgError{Code: sqlstateUniqueViolation, TableName: "devices", ConstraintName: "devices_address_mac_key"}

	assert.ErrorIs(t, classifyPostgresError(pgErr, "insert device"), store.ErrDeviceExists)
}

func TestClassifyPostgresErrorDeadlock(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "40P01"}

	err := classifyPostgresError(pgErr, "commit")
	assert.ErrorIs(t, err, store.ErrTxConflict)
}

func TestClassifyPostgresErrorSerializationFailure(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "40001"}

	err := classifyPostgresError(fmt.Errorf("wrapped: %w", pgErr), "commit")
	assert.ErrorIs(t, err, store.ErrTxConflict)
}

func TestClassifyPostgresErrorShutdown(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "57P01"}

	assert.ErrorIs(t, classifyPostgresError(pgErr, "begin"), store.ErrUnavailable)
}

func TestClassifyPostgresErrorForeignKey(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "23503"}

	assert.ErrorIs(t, classifyPostgresError(pgErr, "insert port"), store.ErrDeviceNotFound)
}

func TestClassifyPostgresErrorOther(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "XX000"}

	err := classifyPostgresError(pgErr, "list")
	assert.False(t, store.IsRetryable(err))
	assert.NotErrorIs(t, err, store.ErrUnavailable)

	var got *pgconn.PgError
	assert.ErrorAs(t, err, &got)
	assert.NoError(t, classifyPostgresError(nil, "list"))
}

// TestPostgresStore runs against a live database when
// PORTREG_TEST_DATABASE_URL is set.
func TestPostgresStore(t *testing.T) {
	url := os.Getenv("PORTREG_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("PORTREG_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	s, err := OpenPostgres(ctx, config.DatabaseConfig{Driver: config.DriverPostgres, URL: url}, logger.NewTestLogger())
	require.NoError(t, err)
	defer s.Close()

	_, err = s.pool.Exec(ctx, "TRUNCATE ports, devices RESTART IDENTITY")
	require.NoError(t, err)

	require.NoError(t, register(ctx, s, "aa:bb:cc:dd:ee:ff",
		models.Assignment{Port: 8000, Protocol: models.ProtocolHTTP},
		models.Assignment{Port: 8001, Protocol: models.ProtocolTCP},
	))

	err = s.Update(ctx, func(tx store.Tx) error {
		return tx.CreateDevice(ctx, models.Device{HardwareAddress: "aa:bb:cc:dd:ee:ff", Credential: "k"})
	})
	assert.ErrorIs(t, err, store.ErrDeviceExists)

	err = register(ctx, s, "02:00:00:00:00:01", models.Assignment{Port: 8001, Protocol: models.ProtocolUDP})
	assert.ErrorIs(t, err, store.ErrPortInUse)

	snapshot, err := s.ListDeviceAssignments(ctx)
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	assert.Equal(t, []models.Assignment{
		{Port: 8000, Protocol: models.ProtocolHTTP},
		{Port: 8001, Protocol: models.ProtocolTCP},
	}, snapshot[0].Ports)
}
