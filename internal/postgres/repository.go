package postgres

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sentinel-honeypot/relay/internal/domain"
	"github.com/sentinel-honeypot/relay/internal/postgres/migrations"
)

// OutgoingRepository abstracts all database access for outgoing messages.
type OutgoingRepository interface {
	Enqueue(ctx context.Context, sessionID, content string) (*domain.OutgoingMessage, error)
	ListQueued(ctx context.Context, limit int) ([]*domain.OutgoingMessage, error)
	UpdateStatus(ctx context.Context, id int64, status domain.OutgoingStatus) error
	GetByID(ctx context.Context, id int64) (*domain.OutgoingMessage, error)
	List(ctx context.Context, filter domain.OutgoingFilter) ([]*domain.OutgoingMessage, int, error)
	Requeue(ctx context.Context, id int64) error
	Delete(ctx context.Context, id int64) error
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps a pgxpool with the OutgoingRepository interface.
func NewRepository(pool *pgxpool.Pool) OutgoingRepository {
	return &repository{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// Migrate applies every embedded migration in name order and returns the
// names applied, including those applied before a failure. Migrations are
// idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	names, err := fs.Glob(migrations.FS, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)

	applied := make([]string, 0, len(names))
	for _, name := range names {
		sql, err := migrations.FS.ReadFile(name)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			return applied, fmt.Errorf("execute migration %s: %w", name, err)
		}
		applied = append(applied, name)
	}
	return applied, nil
}

const outgoingColumns = `id, session_id, content, status, created_at, updated_at`

func (r *repository) Enqueue(ctx context.Context, sessionID, content string) (*domain.OutgoingMessage, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO outgoing_messages (session_id, content, status, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING `+outgoingColumns,
		sessionID, content, string(domain.StatusQueued), time.Now().UTC(),
	)
	msg, err := scanOutgoing(row)
	if err != nil {
		return nil, fmt.Errorf("enqueue outgoing message for session %s: %w", sessionID, err)
	}
	return msg, nil
}

func (r *repository) ListQueued(ctx context.Context, limit int) ([]*domain.OutgoingMessage, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+outgoingColumns+`
		FROM outgoing_messages
		WHERE status = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`, string(domain.StatusQueued), limit)
	if err != nil {
		return nil, fmt.Errorf("list queued outgoing messages: %w", err)
	}
	return collect(rows)
}

func (r *repository) UpdateStatus(ctx context.Context, id int64, status domain.OutgoingStatus) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE outgoing_messages
		SET status = $1, updated_at = $2
		WHERE id = $3
	`, string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update status for outgoing message %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.OutgoingNotFoundError{ID: id}
	}
	return nil
}

func (r *repository) GetByID(ctx context.Context, id int64) (*domain.OutgoingMessage, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+outgoingColumns+`
		FROM outgoing_messages
		WHERE id = $1
	`, id)

	msg, err := scanOutgoing(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.OutgoingNotFoundError{ID: id}
	}
	return msg, err
}

// List returns one page of rows, newest first, and the total matching count.
func (r *repository) List(ctx context.Context, filter domain.OutgoingFilter) ([]*domain.OutgoingMessage, int, error) {
	filter = filter.Normalize()

	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if q := strings.TrimSpace(filter.Query); q != "" {
		args = append(args, "%"+escapeLike(q)+"%")
		where = append(where, fmt.Sprintf("(session_id ILIKE $%d OR content ILIKE $%d)", len(args), len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM outgoing_messages `+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count outgoing messages: %w", err)
	}

	args = append(args, filter.PageSize, filter.Offset())
	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s
		FROM outgoing_messages
		%s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d
	`, outgoingColumns, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list outgoing messages: %w", err)
	}
	msgs, err := collect(rows)
	if err != nil {
		return nil, 0, err
	}
	return msgs, total, nil
}

func (r *repository) Requeue(ctx context.Context, id int64) error {
	return r.UpdateStatus(ctx, id, domain.StatusQueued)
}

func (r *repository) Delete(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM outgoing_messages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete outgoing message %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &domain.OutgoingNotFoundError{ID: id}
	}
	return nil
}

func collect(rows pgx.Rows) ([]*domain.OutgoingMessage, error) {
	defer rows.Close()

	var msgs []*domain.OutgoingMessage
	for rows.Next() {
		msg, err := scanOutgoing(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// scanOutgoing reads an outgoing_messages row from any pgx row type.
func scanOutgoing(row interface {
	Scan(...any) error
}) (*domain.OutgoingMessage, error) {
	var msg domain.OutgoingMessage
	var statusStr string
	err := row.Scan(&msg.ID, &msg.SessionID, &msg.Content, &statusStr, &msg.CreatedAt, &msg.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan outgoing message: %w", err)
	}
	msg.Status = domain.OutgoingStatus(statusStr)
	return &msg, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }
