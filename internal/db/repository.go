package db

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"portreg/internal/models"
	"portreg/internal/store"
)

// querier is the subset of *sql.DB and *sql.Tx the queries need.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// sqlTx is the store.Tx of a SQLite transaction.
type sqlTx struct {
	tx *sql.Tx
}

// ListUsedPorts returns every assigned port.
func (s *SQLiteStore) ListUsedPorts(ctx context.Context) (map[uint16]struct{}, error) {
	return listUsedPorts(ctx, s.db)
}

// ListPortsForDevice returns the device's assignments ordered by port.
func (s *SQLiteStore) ListPortsForDevice(ctx context.Context, hardwareAddress string) ([]models.Assignment, error) {
	return listPortsForDevice(ctx, s.db, hardwareAddress)
}

// ListDeviceAssignments retrieves all devices with their ports.
func (s *SQLiteStore) ListDeviceAssignments(ctx context.Context) ([]models.DeviceAssignments, error) {
	query := `
		SELECT d.address_mac, p.port, p.protocol
		FROM devices d
		LEFT JOIN ports p ON p.device_id = d.id
		ORDER BY d.address_mac, p.port`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, classifySQLiteError(err, "list device assignments")
	}
	defer rows.Close()

	var g assignmentGrouper
	for rows.Next() {
		var (
			mac      string
			port     sql.NullInt64
			protocol sql.NullString
		)
		if err := rows.Scan(&mac, &port, &protocol); err != nil {
			return nil, classifySQLiteError(err, "scan device assignment")
		}
		if err := g.add(mac, port.Int64, protocol.String, port.Valid); err != nil {
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLiteError(err, "list device assignments")
	}
	return g.result(), nil
}

func (t *sqlTx) ListUsedPorts(ctx context.Context) (map[uint16]struct{}, error) {
	return listUsedPorts(ctx, t.tx)
}

func (t *sqlTx) ListPortsForDevice(ctx context.Context, hardwareAddress string) ([]models.Assignment, error) {
	return listPortsForDevice(ctx, t.tx, hardwareAddress)
}

// CreateDevice inserts the device unless its address is already registered.
// INSERT OR IGNORE keeps the transaction usable on a duplicate.
func (t *sqlTx) CreateDevice(ctx context.Context, d models.Device) error {
	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	result, err := t.tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO devices (address_mac, ssh_key, created_at) VALUES (?, ?, ?)",
		d.HardwareAddress, d.Credential, createdAt)
	if err != nil {
		return classifySQLiteError(err, "insert device")
	}

	n, err := result.RowsAffected()
	if err != nil {
		return classifySQLiteError(err, "insert device")
	}
	if n == 0 {
		return store.ErrDeviceExists
	}
	return nil
}

// InsertPortAssignments adds ports to an existing device.
func (t *sqlTx) InsertPortAssignments(ctx context.Context, hardwareAddress string, assignments []models.Assignment) error {
	var deviceID int64
	err := t.tx.QueryRowContext(ctx, "SELECT id FROM devices WHERE address_mac = ?", hardwareAddress).Scan(&deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrDeviceNotFound
	}
	if err != nil {
		return classifySQLiteError(err, "find device")
	}

	stmt, err := t.tx.PrepareContext(ctx, "INSERT INTO ports (device_id, port, protocol, provisioned) VALUES (?, ?, ?, 0)")
	if err != nil {
		return classifySQLiteError(err, "prepare port insert")
	}
	defer stmt.Close()

	for _, a := range assignments {
		if _, err := stmt.ExecContext(ctx, deviceID, int64(a.Port), a.Protocol.String()); err != nil {
			return classifySQLiteError(err, "insert port")
		}
	}
	return nil
}

func listUsedPorts(ctx context.Context, q querier) (map[uint16]struct{}, error) {
	rows, err := q.QueryContext(ctx, "SELECT port FROM ports")
	if err != nil {
		return nil, classifySQLiteError(err, "list used ports")
	}
	defer rows.Close()

	used := make(map[uint16]struct{})
	for rows.Next() {
		var port int64
		if err := rows.Scan(&port); err != nil {
			return nil, classifySQLiteError(err, "scan port")
		}
		p, err := toPort(port)
		if err != nil {
			return nil, err
		}
		used[p] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLiteError(err, "list used ports")
	}
	return used, nil
}

func listPortsForDevice(ctx context.Context, q querier, hardwareAddress string) ([]models.Assignment, error) {
	query := `
		SELECT p.port, p.protocol
		FROM ports p
		JOIN devices d ON p.device_id = d.id
		WHERE d.address_mac = ?
		ORDER BY p.port`

	rows, err := q.QueryContext(ctx, query, hardwareAddress)
	if err != nil {
		return nil, classifySQLiteError(err, "list device ports")
	}
	defer rows.Close()

	out := []models.Assignment{}
	for rows.Next() {
		var (
			port     int64
			protocol string
		)
		if err := rows.Scan(&port, &protocol); err != nil {
			return nil, classifySQLiteError(err, "scan device port")
		}
		a, err := toAssignment(port, protocol)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLiteError(err, "list device ports")
	}
	return out, nil
}

// assignmentGrouper folds (mac, port, protocol) join rows, already ordered
// by mac then port, into one entry per device.
type assignmentGrouper struct {
	out []models.DeviceAssignments
}

func (g *assignmentGrouper) add(mac string, port int64, protocol string, hasPort bool) error {
	if n := len(g.out); n == 0 || g.out[n-1].HardwareAddress != mac {
		g.out = append(g.out, models.DeviceAssignments{
			HardwareAddress: mac,
			Ports:           []models.Assignment{},
		})
	}
	if !hasPort {
		return nil
	}

	a, err := toAssignment(port, protocol)
	if err != nil {
		return err
	}
	last := &g.out[len(g.out)-1]
	last.Ports = append(last.Ports, a)
	return nil
}

func (g *assignmentGrouper) result() []models.DeviceAssignments {
	if g.out == nil {
		return []models.DeviceAssignments{}
	}
	return g.out
}

func toPort(v int64) (uint16, error) {
	if v < 1 || v > 65535 {
		return 0, errors.Errorf("stored port %d out of range", v)
	}
	return uint16(v), nil
}

func toAssignment(port int64, protocol string) (models.Assignment, error) {
	p, err := toPort(port)
	if err != nil {
		return models.Assignment{}, err
	}
	proto, err := models.ParseProtocol(protocol)
	if err != nil {
		return models.Assignment{}, errors.Wrapf(err, "port %d", p)
	}
	return models.Assignment{Port: p, Protocol: proto}, nil
}

// isPortIndex reports whether a unique-violation message names the port
// column rather than the device address.
func isPortIndex(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "ports.port") || strings.Contains(msg, "ports_port_key")
}
