package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/example/rideshare-matching/internal/apperr"
	"github.com/example/rideshare-matching/internal/models"
)

// requestChannel is the LISTEN/NOTIFY channel request writes announce on.
const requestChannel = "request_changes"

// snapshotTimeout bounds each subscription snapshot query.
const snapshotTimeout = 5 * time.Second

// PostgresStore keeps each document as JSONB next to the columns queries
// filter on. Transactions run SERIALIZABLE and retry on serialization
// failures.
type PostgresStore struct {
	db   *sql.DB
	opts Options
	hub  *hub

	listener *pq.Listener
	done     chan struct{}
}

func NewPostgresStore(ctx context.Context, dsn string, opts Options) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, apperr.Wrap(apperr.StoreUnavailable, "storage.NewPostgresStore", err)
	}
	return NewPostgresStoreFromDB(db, opts), nil
}

// NewPostgresStoreFromDB wraps an open handle. Call Listen to receive change
// notifications written by other processes.
func NewPostgresStoreFromDB(db *sql.DB, opts Options) *PostgresStore {
	return &PostgresStore{db: db, opts: opts.withDefaults(), hub: newHub(), done: make(chan struct{})}
}

func (p *PostgresStore) SaveRide(ctx context.Context, r *models.Ride) error {
	if r == nil || r.ID == "" {
		return apperr.New(apperr.MissingField, "storage.SaveRide", "ride id is required")
	}
	if err := upsertRide(ctx, p.db, r); err != nil {
		return classify("storage.SaveRide", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertRide(ctx context.Context, ex execer, r *models.Ride) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return err
	}
	var lat sql.NullFloat64
	if v, ok := startLat(r); ok {
		lat = sql.NullFloat64{Float64: v, Valid: true}
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO rides (id, driver_id, start_lat, created_at, doc)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET driver_id = EXCLUDED.driver_id, start_lat = EXCLUDED.start_lat, doc = EXCLUDED.doc`,
		r.ID, r.DriverID, lat, r.CreatedAt, doc)
	return err
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	var r models.Ride
	if err := getDoc(ctx, p.db, `SELECT doc FROM rides WHERE id = $1`, id, &r); err != nil {
		return nil, classify("storage.GetRide", err)
	}
	return &r, nil
}

func (p *PostgresStore) ListRides(ctx context.Context, q RideQuery) ([]*models.Ride, error) {
	var (
		where []string
		args  []any
	)
	if q.IDs != nil {
		args = append(args, pq.Array(q.IDs))
		where = append(where, fmt.Sprintf("id = ANY($%d)", len(args)))
	}
	if q.MinLat != nil {
		args = append(args, *q.MinLat)
		where = append(where, fmt.Sprintf("start_lat >= $%d", len(args)))
	}
	if q.MaxLat != nil {
		args = append(args, *q.MaxLat)
		where = append(where, fmt.Sprintf("start_lat <= $%d", len(args)))
	}
	query := "SELECT doc FROM rides" + whereClause(where) + " ORDER BY created_at DESC, id"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("storage.ListRides", err)
	}
	out, err := scanDocs[models.Ride](rows)
	if err != nil {
		return nil, classify("storage.ListRides", err)
	}
	return out, nil
}

func (p *PostgresStore) DeleteRide(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM rides WHERE id = $1`, id)
	if err != nil {
		return classify("storage.DeleteRide", err)
	}
	return expectRow(res, "storage.DeleteRide", "ride", id)
}

func (p *PostgresStore) CreateRequest(ctx context.Context, r *models.Request) error {
	if r == nil || r.ID == "" {
		return apperr.New(apperr.MissingField, "storage.CreateRequest", "request id is required")
	}
	doc, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `WITH ins AS (
		INSERT INTO requests (id, user_id, ride_id, driver_id, status, created_at, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id
	) SELECT pg_notify('`+requestChannel+`', id) FROM ins`,
		r.ID, r.UserID, r.RideID, r.DriverID, string(r.Status), r.CreatedAt, doc)
	if isUniqueViolation(err) {
		return apperr.Newf(apperr.InvalidTransition, "storage.CreateRequest", "request %s already exists", r.ID)
	}
	if err != nil {
		return classify("storage.CreateRequest", err)
	}
	p.announce(r.ID)
	return nil
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*models.Request, error) {
	var r models.Request
	if err := getDoc(ctx, p.db, `SELECT doc FROM requests WHERE id = $1`, id, &r); err != nil {
		return nil, classify("storage.GetRequest", err)
	}
	return &r, nil
}

func (p *PostgresStore) ListRequests(ctx context.Context, f RequestFilter) ([]*models.Request, error) {
	var (
		where []string
		args  []any
	)
	add := func(col, v string) {
		if v == "" {
			return
		}
		args = append(args, v)
		where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("id", f.RequestID)
	add("ride_id", f.RideID)
	add("driver_id", f.DriverID)
	add("status", string(f.Status))
	query := "SELECT doc FROM requests" + whereClause(where) + " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("storage.ListRequests", err)
	}
	out, err := scanDocs[models.Request](rows)
	if err != nil {
		return nil, classify("storage.ListRequests", err)
	}
	return out, nil
}

func (p *PostgresStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var c models.Conversation
	if err := getDoc(ctx, p.db, `SELECT doc FROM conversations WHERE id = $1`, id, &c); err != nil {
		return nil, classify("storage.GetConversation", err)
	}
	return &c, nil
}

func (p *PostgresStore) ConversationsForParticipant(ctx context.Context, userID string, limit int) ([]*models.Conversation, error) {
	query := `SELECT doc FROM conversations WHERE $1 = ANY(participants) ORDER BY updated_at DESC, id`
	args := []any{userID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("storage.ConversationsForParticipant", err)
	}
	out, err := scanDocs[models.Conversation](rows)
	if err != nil {
		return nil, classify("storage.ConversationsForParticipant", err)
	}
	return out, nil
}

func (p *PostgresStore) TouchConversation(ctx context.Context, id, lastMessage, senderID string, at time.Time) error {
	ts := at.UTC().Format(time.RFC3339Nano)
	res, err := p.db.ExecContext(ctx, `UPDATE conversations SET updated_at = $4,
		doc = doc || jsonb_build_object('last_message', $2::text, 'last_message_sender', $3::text, 'updated_at', $5::text)
		WHERE id = $1`, id, lastMessage, senderID, at, ts)
	if err != nil {
		return classify("storage.TouchConversation", err)
	}
	return expectRow(res, "storage.TouchConversation", "conversation", id)
}

func (p *PostgresStore) MarkConversationRead(ctx context.Context, id, userID string, at time.Time) error {
	ts := at.UTC().Format(time.RFC3339Nano)
	res, err := p.db.ExecContext(ctx, `UPDATE conversations
		SET doc = jsonb_set(doc, '{last_read}', COALESCE(doc->'last_read', '{}'::jsonb) || jsonb_build_object($2::text, $3::text))
		WHERE id = $1`, id, userID, ts)
	if err != nil {
		return classify("storage.MarkConversationRead", err)
	}
	return expectRow(res, "storage.MarkConversationRead", "conversation", id)
}

func (p *PostgresStore) DeleteConversation(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return classify("storage.DeleteConversation", err)
	}
	return expectRow(res, "storage.DeleteConversation", "conversation", id)
}

func (p *PostgresStore) AddMessage(ctx context.Context, m *models.Message) error {
	if m == nil || m.ID == "" || m.ConversationID == "" {
		return apperr.New(apperr.MissingField, "storage.AddMessage", "message id and conversation id are required")
	}
	doc, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO messages (id, conversation_id, created_at, doc) VALUES ($1, $2, $3, $4)`,
		m.ID, m.ConversationID, m.CreatedAt, doc)
	if isForeignKeyViolation(err) {
		return apperr.Newf(apperr.NotFound, "storage.AddMessage", "conversation %s not found", m.ConversationID)
	}
	if err != nil {
		return classify("storage.AddMessage", err)
	}
	return nil
}

func (p *PostgresStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	query := `SELECT doc FROM messages WHERE conversation_id = $1 ORDER BY created_at, id`
	args := []any{conversationID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("storage.ListMessages", err)
	}
	out, err := scanDocs[models.Message](rows)
	if err != nil {
		return nil, classify("storage.ListMessages", err)
	}
	return out, nil
}

func (p *PostgresStore) DeleteMessages(ctx context.Context, conversationID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = $1 AND id = ANY($2)`, conversationID, pq.Array(ids))
	if err != nil {
		return classify("storage.DeleteMessages", err)
	}
	return nil
}

func (p *PostgresStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return runWithRetry(ctx, p.opts, func() error {
		sqlTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return classify("storage.RunTransaction", err)
		}
		tx := &pgTx{tx: sqlTx}
		if err := fn(ctx, tx); err != nil {
			sqlTx.Rollback()
			return err
		}
		for _, id := range tx.touched {
			if _, err := sqlTx.ExecContext(ctx, `SELECT pg_notify('`+requestChannel+`', $1)`, id); err != nil {
				sqlTx.Rollback()
				return classify("storage.RunTransaction", err)
			}
		}
		if err := sqlTx.Commit(); err != nil {
			return classify("storage.RunTransaction", err)
		}
		p.announce(tx.touched...)
		return nil
	})
}

type pgTx struct {
	tx      *sql.Tx
	touched []string
}

func (t *pgTx) GetRequest(ctx context.Context, id string) (*models.Request, error) {
	var r models.Request
	if err := getDoc(ctx, t.tx, `SELECT doc FROM requests WHERE id = $1 FOR UPDATE`, id, &r); err != nil {
		return nil, classify("storage.Tx.GetRequest", err)
	}
	return &r, nil
}

func (t *pgTx) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	var r models.Ride
	if err := getDoc(ctx, t.tx, `SELECT doc FROM rides WHERE id = $1 FOR UPDATE`, id, &r); err != nil {
		return nil, classify("storage.Tx.GetRide", err)
	}
	return &r, nil
}

func (t *pgTx) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var c models.Conversation
	if err := getDoc(ctx, t.tx, `SELECT doc FROM conversations WHERE id = $1 FOR UPDATE`, id, &c); err != nil {
		return nil, classify("storage.Tx.GetConversation", err)
	}
	return &c, nil
}

func (t *pgTx) PutRequest(ctx context.Context, r *models.Request) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `INSERT INTO requests (id, user_id, ride_id, driver_id, status, created_at, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET ride_id = EXCLUDED.ride_id, driver_id = EXCLUDED.driver_id, status = EXCLUDED.status, doc = EXCLUDED.doc`,
		r.ID, r.UserID, r.RideID, r.DriverID, string(r.Status), r.CreatedAt, doc)
	if err != nil {
		return classify("storage.Tx.PutRequest", err)
	}
	t.touched = append(t.touched, r.ID)
	return nil
}

func (t *pgTx) PutRide(ctx context.Context, r *models.Ride) error {
	if err := upsertRide(ctx, t.tx, r); err != nil {
		return classify("storage.Tx.PutRide", err)
	}
	return nil
}

func (t *pgTx) PutConversation(ctx context.Context, c *models.Conversation) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `INSERT INTO conversations (id, participants, ride_id, updated_at, doc)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET participants = EXCLUDED.participants, updated_at = EXCLUDED.updated_at, doc = EXCLUDED.doc`,
		c.ID, pq.Array(c.Participants), c.RideID, c.UpdatedAt, doc)
	if err != nil {
		return classify("storage.Tx.PutConversation", err)
	}
	return nil
}

func (p *PostgresStore) SubscribeRequests(f RequestFilter, onChange func([]*models.Request), onError func(error)) Subscription {
	sub := p.hub.add(f, onChange, onError)
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()
	initial, err := p.ListRequests(ctx, f)
	sub.ready(delivery{rows: initial, err: err})
	return sub
}

func (p *PostgresStore) Close() error {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	p.hub.closeAll()
	if p.listener != nil {
		p.listener.Close()
	}
	return p.db.Close()
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getDoc(ctx context.Context, q queryer, query, id string, dst any) error {
	var raw []byte
	if err := q.QueryRowContext(ctx, query, id).Scan(&raw); err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

func scanDocs[T any](rows *sql.Rows) ([]*T, error) {
	defer rows.Close()
	out := make([]*T, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		v := new(T)
		if err := json.Unmarshal(raw, v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func expectRow(res sql.Result, op, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return classify(op, err)
	}
	if n == 0 {
		return apperr.Newf(apperr.NotFound, op, "%s %s not found", kind, id)
	}
	return nil
}

func isConflictCode(code pq.ErrorCode) bool {
	switch code {
	case "40001", "40P01", "23505":
		return true
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}

// classify maps driver errors onto the apperr taxonomy. Serialization
// failures become errConflict so RunTransaction retries them.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) || errors.Is(err, errConflict) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.New(apperr.NotFound, op, "not found")
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if isConflictCode(pqErr.Code) {
			return errConflict
		}
		if pqErr.Code.Class() == "08" {
			return apperr.Wrap(apperr.StoreUnavailable, op, err)
		}
		return apperr.Wrap(apperr.Unknown, op, err)
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.As(err, &netErr) {
		return apperr.Wrap(apperr.StoreUnavailable, op, err)
	}
	return apperr.Wrap(apperr.Unknown, op, err)
}
