package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"syscall"

	"github.com/lib/pq"

	"github.com/correlator-io/edgedetect/internal/detection"
	"github.com/correlator-io/edgedetect/migrations"
)

// ErrSchema is returned when the primary schema cannot be applied.
var ErrSchema = errors.New("schema error")

// PrimaryStore is the durable PostgreSQL system of record. It assigns canonical ids.
type PrimaryStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPrimaryStore creates a PostgreSQL-backed detection store over an externally managed connection.
func NewPrimaryStore(conn *Connection, logger *slog.Logger) (*PrimaryStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &PrimaryStore{conn: conn, logger: logger}, nil
}

// EnsureSchema applies the primary schema. Idempotent.
func (p *PrimaryStore) EnsureSchema(ctx context.Context) error {
	if err := migrations.Up(ctx, p.conn.DB, migrations.TargetPrimary, migrations.WithLogger(p.logger)); err != nil {
		return classifyPrimaryError("ensure schema", fmt.Errorf("%w: %w", ErrSchema, err))
	}

	return nil
}

// Insert stores a detection and returns its canonical id.
//
// The insert is keyed by recordKey: replaying a record that already reached the
// primary returns the id assigned the first time instead of a new row.
func (p *PrimaryStore) Insert(
	ctx context.Context,
	recordKey, imagePath string,
	payload detection.Payload,
	createdAt int64,
) (int64, error) {
	if err := payload.Validate(); err != nil {
		return 0, err
	}

	var id int64

	// DO UPDATE (not DO NOTHING) so RETURNING yields the existing row on conflict.
	err := p.conn.QueryRowContext(ctx, `
		INSERT INTO detections (record_key, image_path, detection_data, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (record_key) DO UPDATE SET record_key = EXCLUDED.record_key
		RETURNING id`,
		recordKey, imagePath, payload.String(), createdAt,
	).Scan(&id)
	if err != nil {
		return 0, classifyPrimaryError("insert", err)
	}

	return id, nil
}

// Get returns the record with the given canonical id, or (nil, false, nil).
func (p *PrimaryStore) Get(ctx context.Context, id int64) (*detection.Record, bool, error) {
	if id <= 0 {
		return nil, false, nil
	}

	rec, err := scanPrimaryRecord(p.conn.QueryRowContext(ctx, `
		SELECT id, record_key, image_path, detection_data, created_at
		FROM detections WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, classifyPrimaryError("get", err)
	}

	return rec, true, nil
}

// GetRecent returns up to limit records, newest first.
func (p *PrimaryStore) GetRecent(ctx context.Context, limit int) ([]*detection.Record, error) {
	if limit <= 0 {
		return []*detection.Record{}, nil
	}

	rows, err := p.conn.QueryContext(ctx, `
		SELECT id, record_key, image_path, detection_data, created_at
		FROM detections
		ORDER BY created_at DESC, id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, classifyPrimaryError("get recent", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	records := make([]*detection.Record, 0, limit)

	for rows.Next() {
		rec, err := scanPrimaryRecord(rows)
		if err != nil {
			return nil, classifyPrimaryError("get recent", err)
		}

		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, classifyPrimaryError("get recent", err)
	}

	return records, nil
}

// HealthCheck verifies the primary store is reachable.
func (p *PrimaryStore) HealthCheck(ctx context.Context) error {
	return p.conn.HealthCheck(ctx)
}

func scanPrimaryRecord(row rowScanner) (*detection.Record, error) {
	var (
		rec     detection.Record
		payload []byte
	)

	if err := row.Scan(&rec.ID, &rec.RecordKey, &rec.ImagePath, &payload, &rec.CreatedAt); err != nil {
		return nil, err
	}

	rec.Payload = detection.Payload(payload)
	rec.Synced = true

	return &rec, nil
}

// classifyPrimaryError wraps err as detection.ErrConnectivity when the server
// could not be reached and detection.ErrStorage otherwise.
func classifyPrimaryError(op string, err error) error {
	if err == nil {
		return nil
	}

	if isConnectivityError(err) {
		return fmt.Errorf("%w: %s: %w", detection.ErrConnectivity, op, err)
	}

	return fmt.Errorf("%w: %s: %w", detection.ErrStorage, op, err)
}

// isConnectivityError reports whether err means the primary is unreachable rather
// than that it rejected the statement.
//
// PostgreSQL classes treated as connectivity:
//   - 08xxx connection_exception
//   - 57P01..57P03 admin/crash shutdown, cannot_connect_now
func isConnectivityError(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)

		return strings.HasPrefix(code, "08") || strings.HasPrefix(code, "57P")
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr)
}
