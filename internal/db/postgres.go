package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"portreg/internal/config"
	"portreg/internal/logger"
	"portreg/internal/models"
	"portreg/internal/store"
)

// PostgreSQL SQLSTATE codes the store reacts to.
const (
	sqlstateUniqueViolation     = "23505"
	sqlstateForeignKeyViolation = "23503"
	sqlstateSerializationFailed = "40001"
	sqlstateDeadlockDetected    = "40P01"
	sqlstateAdminShutdown       = "57P01"
	sqlstateCrashShutdown       = "57P02"
	sqlstateCannotConnectNow    = "57P03"
)

// poolLockKey identifies the port pool for pg_advisory_xact_lock.
const poolLockKey int64 = 0x706f7274726567 // "portreg"

// PostgresStore is a store.Store backed by a pgx connection pool. Every
// Update takes a transaction-scoped advisory lock on the port pool before
// reading it.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

var _ store.Store = (*PostgresStore)(nil)

// OpenPostgres dials cfg.URL and migrates the schema.
func OpenPostgres(ctx context.Context, cfg config.DatabaseConfig, log zerolog.Logger) (*PostgresStore, error) {
	if cfg.URL == "" {
		return nil, errors.New("postgres: DATABASE_URL is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "postgres: failed to parse connection string")
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.Wrap(err, "postgres: failed to initialize pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "postgres: ping")
	}

	s := &PostgresStore{pool: pool, log: logger.WithComponent(log, "db")}
	if err := s.createTables(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	s.log.Info().
		Str("host", poolConfig.ConnConfig.Host).
		Uint16("port", poolConfig.ConnConfig.Port).
		Int32("max_conns", poolConfig.MaxConns).
		Msg("connected to postgres")
	return s, nil
}

func (s *PostgresStore) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			id BIGSERIAL PRIMARY KEY,
			address_mac TEXT NOT NULL UNIQUE,
			ssh_key TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS ports (
			id BIGSERIAL PRIMARY KEY,
			device_id BIGINT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
			port INTEGER NOT NULL UNIQUE CHECK (port BETWEEN 1 AND 65535),
			protocol TEXT NOT NULL,
			provisioned BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS ports_device_id ON ports(device_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return errors.Wrap(err, "postgres: migrate schema")
		}
	}
	return nil
}

// Update runs fn in one transaction holding the pool advisory lock.
func (s *PostgresStore) Update(ctx context.Context, fn func(store.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classifyPostgresError(err, "begin")
	}
	defer func() {
		// No-op after a successful commit.
		if rbErr := tx.Rollback(context.Background()); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.log.Warn().Err(rbErr).Msg("rollback failed")
		}
	}()

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", poolLockKey); err != nil {
		return classifyPostgresError(err, "lock port pool")
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return classifyPostgresError(err, "commit")
	}
	return nil
}

// ListUsedPorts returns every assigned port.
func (s *PostgresStore) ListUsedPorts(ctx context.Context) (map[uint16]struct{}, error) {
	return pgListUsedPorts(ctx, s.pool)
}

// ListPortsForDevice returns the device's assignments ordered by port.
func (s *PostgresStore) ListPortsForDevice(ctx context.Context, hardwareAddress string) ([]models.Assignment, error) {
	return pgListPortsForDevice(ctx, s.pool, hardwareAddress)
}

// ListDeviceAssignments returns every device with its ports, ordered by
// hardware address then port.
func (s *PostgresStore) ListDeviceAssignments(ctx context.Context) ([]models.DeviceAssignments, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT d.address_mac, p.port, p.protocol
		FROM devices d
		LEFT JOIN ports p ON p.device_id = d.id
		ORDER BY d.address_mac, p.port`)
	if err != nil {
		return nil, classifyPostgresError(err, "list device assignments")
	}
	defer rows.Close()

	var g assignmentGrouper
	for rows.Next() {
		var (
			mac      string
			port     *int32
			protocol *string
		)
		if err := rows.Scan(&mac, &port, &protocol); err != nil {
			return nil, classifyPostgresError(err, "scan device assignment")
		}

		var (
			p     int64
			proto string
		)
		if port != nil {
			p = int64(*port)
		}
		if protocol != nil {
			proto = *protocol
		}
		if err := g.add(mac, p, proto, port != nil); err != nil {
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgresError(err, "list device assignments")
	}
	return g.result(), nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// pgQuerier is the subset of *pgxpool.Pool and pgx.Tx the queries need.
type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) ListUsedPorts(ctx context.Context) (map[uint16]struct{}, error) {
	return pgListUsedPorts(ctx, t.tx)
}

func (t *pgTx) ListPortsForDevice(ctx context.Context, hardwareAddress string) ([]models.Assignment, error) {
	return pgListPortsForDevice(ctx, t.tx, hardwareAddress)
}

func (t *pgTx) CreateDevice(ctx context.Context, d models.Device) error {
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tag, err := t.tx.Exec(ctx, `
		INSERT INTO devices (address_mac, ssh_key, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (address_mac) DO NOTHING`,
		d.HardwareAddress, d.Credential, createdAt)
	if err != nil {
		return classifyPostgresError(err, "insert device")
	}
	if tag.RowsAffected() == 0 {
		return store.ErrDeviceExists
	}
	return nil
}

func (t *pgTx) InsertPortAssignments(ctx context.Context, hardwareAddress string, assignments []models.Assignment) error {
	var deviceID int64
	err := t.tx.QueryRow(ctx, "SELECT id FROM devices WHERE address_mac = $1", hardwareAddress).Scan(&deviceID)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrDeviceNotFound
	}
	if err != nil {
		return classifyPostgresError(err, "find device")
	}

	batch := &pgx.Batch{}
	for _, a := range assignments {
		batch.Queue("INSERT INTO ports (device_id, port, protocol) VALUES ($1, $2, $3)",
			deviceID, int32(a.Port), a.Protocol.String())
	}

	br := t.tx.SendBatch(ctx, batch)
	for range assignments {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return classifyPostgresError(err, "insert port")
		}
	}
	if err := br.Close(); err != nil {
		return classifyPostgresError(err, "insert ports")
	}
	return nil
}

func pgListUsedPorts(ctx context.Context, q pgQuerier) (map[uint16]struct{}, error) {
	rows, err := q.Query(ctx, "SELECT port FROM ports")
	if err != nil {
		return nil, classifyPostgresError(err, "list used ports")
	}
	defer rows.Close()

	used := make(map[uint16]struct{})
	for rows.Next() {
		var port int32
		if err := rows.Scan(&port); err != nil {
			return nil, classifyPostgresError(err, "scan port")
		}
		p, err := toPort(int64(port))
		if err != nil {
			return nil, err
		}
		used[p] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgresError(err, "list used ports")
	}
	return used, nil
}

func pgListPortsForDevice(ctx context.Context, q pgQuerier, hardwareAddress string) ([]models.Assignment, error) {
	rows, err := q.Query(ctx, `
		SELECT p.port, p.protocol
		FROM ports p
		JOIN devices d ON p.device_id = d.id
		WHERE d.address_mac = $1
		ORDER BY p.port`, hardwareAddress)
	if err != nil {
		return nil, classifyPostgresError(err, "list device ports")
	}
	defer rows.Close()

	out := []models.Assignment{}
	for rows.Next() {
		var (
			port     int32
			protocol string
		)
		if err := rows.Scan(&port, &protocol); err != nil {
			return nil, classifyPostgresError(err, "scan device port")
		}
		a, err := toAssignment(int64(port), protocol)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgresError(err, "list device ports")
	}
	return out, nil
}

// classifyPostgresError maps SQLSTATE codes and connection failures onto
// store sentinels.
func classifyPostgresError(err error, op string) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlstateUniqueViolation:
			if pgErr.TableName == "ports" || isPortIndex(pgErr.ConstraintName) {
				return errors.Wrapf(store.ErrPortInUse, "%s: %v", op, err)
			}
			return errors.Wrapf(store.ErrDeviceExists, "%s: %v", op, err)
		case sqlstateForeignKeyViolation:
			return errors.Wrapf(store.ErrDeviceNotFound, "%s: %v", op, err)
		case sqlstateSerializationFailed, sqlstateDeadlockDetected:
			return errors.Wrapf(store.ErrTxConflict, "%s: %v", op, err)
		case sqlstateAdminShutdown, sqlstateCrashShutdown, sqlstateCannotConnectNow:
			return errors.Wrapf(store.ErrUnavailable, "%s: %v", op, err)
		}
		return errors.Wrapf(err, "postgres: %s", op)
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) {
		return errors.Wrapf(store.ErrUnavailable, "%s: %v", op, err)
	}
	return errors.Wrapf(err, "postgres: %s", op)
}
