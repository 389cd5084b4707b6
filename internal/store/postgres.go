package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"

	"github.com/taptext/chat/internal/model"
)

// PostgreSQL error codes the store translates into sentinels.
const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// PostgresStore is the PostgreSQL-backed Store.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgres wraps an open database handle. The schema must already be
// migrated; see OpenPostgres.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgres connects to dsn, verifies the connection and applies pending
// migrations.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: postgres connection failed: %w", err)
	}

	if err := Migrate(dsn); err != nil {
		db.Close()
		return nil, err
	}

	log.Printf("[store] postgres ready")
	return NewPostgres(db), nil
}

// Close closes the database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

const selectUser = `
	SELECT username, display_name, password_hash, role, warning_count, bio, created_at
	FROM users`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*model.User, error) {
	var (
		u    model.User
		role string
	)
	if err := row.Scan(&u.Username, &u.DisplayName, &u.PasswordHash, &role, &u.WarningCount, &u.Bio, &u.CreatedAt); err != nil {
		return nil, err
	}
	r, err := model.ParseRole(role)
	if err != nil {
		return nil, fmt.Errorf("store: user %s: %w", u.Username, err)
	}
	u.Role = r
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}

// loadFollows fills both sides of u's follow relation.
func loadFollows(ctx context.Context, q queryer, u *model.User) error {
	var err error
	u.Followers, err = queryStrings(ctx, q,
		`SELECT follower FROM follows WHERE followee = $1 ORDER BY follower`, u.Username)
	if err != nil {
		return fmt.Errorf("store: load followers: %w", err)
	}
	u.Following, err = queryStrings(ctx, q,
		`SELECT followee FROM follows WHERE follower = $1 ORDER BY followee`, u.Username)
	if err != nil {
		return fmt.Errorf("store: load following: %w", err)
	}
	return nil
}

func queryStrings(ctx context.Context, q queryer, query string, args ...interface{}) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (s *PostgresStore) FindUser(ctx context.Context, username string) (*model.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, selectUser+` WHERE username = $1`, username))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: find user: %w", err)
	}
	if err := loadFollows(ctx, s.db, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *PostgresStore) InsertUser(ctx context.Context, u *model.User) error {
	if !u.Role.Valid() {
		return fmt.Errorf("store: insert user: invalid role %d", int(u.Role))
	}
	createdAt := u.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	const query = `
		INSERT INTO users (username, display_name, password_hash, role, warning_count, bio, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.db.ExecContext(ctx, query,
		u.Username, u.DisplayName, u.PasswordHash, u.Role.String(), u.WarningCount, u.Bio, createdAt)
	if isPQCode(err, pqUniqueViolation) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("store: insert user: %w", err)
	}
	return nil
}

// mutate runs the locked read-modify-write of UpdateUser and AddWarning.
func mutate(ctx context.Context, tx *sql.Tx, username string, fn MutateFunc) (*model.User, error) {
	cur, err := scanUser(tx.QueryRowContext(ctx, selectUser+` WHERE username = $1 FOR UPDATE`, username))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: lock user: %w", err)
	}
	if err := loadFollows(ctx, tx, cur); err != nil {
		return nil, err
	}

	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if !next.Role.Valid() {
		return nil, fmt.Errorf("store: update user: invalid role %d", int(next.Role))
	}

	const query = `
		UPDATE users
		SET display_name = $2, password_hash = $3, role = $4, warning_count = $5, bio = $6
		WHERE username = $1`

	if _, err := tx.ExecContext(ctx, query,
		username, next.DisplayName, next.PasswordHash, next.Role.String(), next.WarningCount, next.Bio); err != nil {
		return nil, fmt.Errorf("store: update user: %w", err)
	}

	next.Username = cur.Username
	next.CreatedAt = cur.CreatedAt
	next.Followers = cur.Followers
	next.Following = cur.Following
	return next, nil
}

func (s *PostgresStore) UpdateUser(ctx context.Context, username string, fn MutateFunc) (*model.User, error) {
	var out *model.User
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		u, err := mutate(ctx, tx, username, fn)
		out = u
		return err
	})
	return out, err
}

func (s *PostgresStore) AddWarning(ctx context.Context, w model.Warning, fn MutateFunc) (*model.User, error) {
	createdAt := w.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var out *model.User
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		u, err := mutate(ctx, tx, w.Username, fn)
		if err != nil {
			return err
		}
		const query = `
			INSERT INTO warnings (username, reason, issued_by, created_at)
			VALUES ($1, $2, $3, $4)`
		if _, err := tx.ExecContext(ctx, query, w.Username, w.Reason, w.IssuedBy, createdAt); err != nil {
			return fmt.Errorf("store: insert warning: %w", err)
		}
		out = u
		return nil
	})
	return out, err
}

func (s *PostgresStore) Warnings(ctx context.Context, username string) ([]model.Warning, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE username = $1)`, username).Scan(&exists); err != nil {
		return nil, fmt.Errorf("store: warnings: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, reason, issued_by, created_at
		FROM warnings WHERE username = $1 ORDER BY id`, username)
	if err != nil {
		return nil, fmt.Errorf("store: warnings: %w", err)
	}
	defer rows.Close()

	out := []model.Warning{}
	for rows.Next() {
		var w model.Warning
		if err := rows.Scan(&w.ID, &w.Username, &w.Reason, &w.IssuedBy, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan warning: %w", err)
		}
		w.CreatedAt = w.CreatedAt.UTC()
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteUser(ctx context.Context, username string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE username = $1`, username)
	if err != nil {
		return fmt.Errorf("store: delete user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: delete user: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx, selectUser+` ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("store: list users: %w", err)
	}
	defer rows.Close()

	var users []model.User
	index := make(map[string]int)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("store: list users: %w", err)
		}
		u.Followers, u.Following = []string{}, []string{}
		index[u.Username] = len(users)
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list users: %w", err)
	}

	edges, err := s.db.QueryContext(ctx, `SELECT follower, followee FROM follows ORDER BY follower, followee`)
	if err != nil {
		return nil, fmt.Errorf("store: list follows: %w", err)
	}
	defer edges.Close()
	for edges.Next() {
		var follower, followee string
		if err := edges.Scan(&follower, &followee); err != nil {
			return nil, fmt.Errorf("store: list follows: %w", err)
		}
		if i, ok := index[follower]; ok {
			users[i].Following = append(users[i].Following, followee)
		}
		if i, ok := index[followee]; ok {
			users[i].Followers = append(users[i].Followers, follower)
		}
	}
	return users, edges.Err()
}

func (s *PostgresStore) UsernamesByRole(ctx context.Context, role model.Role) ([]string, error) {
	names, err := queryStrings(ctx, s.db,
		`SELECT username FROM users WHERE role = $1 ORDER BY username`, role.String())
	if err != nil {
		return nil, fmt.Errorf("store: usernames by role: %w", err)
	}
	return names, nil
}

func (s *PostgresStore) Follow(ctx context.Context, follower, followee string) error {
	const query = `
		INSERT INTO follows (follower, followee)
		VALUES ($1, $2)
		ON CONFLICT (follower, followee) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query, follower, followee)
	if isPQCode(err, pqForeignKeyViolation) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: follow: %w", err)
	}
	return nil
}

func (s *PostgresStore) Unfollow(ctx context.Context, follower, followee string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM follows WHERE follower = $1 AND followee = $2`, follower, followee); err != nil {
		return fmt.Errorf("store: unfollow: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, m model.Message) error {
	const query = `
		INSERT INTO messages (id, sender, recipient, body, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.db.ExecContext(ctx, query, m.ID, m.Sender, m.Recipient, m.Body, m.Timestamp)
	if isPQCode(err, pqUniqueViolation) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("store: insert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindMessages(ctx context.Context, f MessageFilter) ([]model.Message, error) {
	query := `SELECT id, sender, recipient, body, created_at FROM messages`
	var args []interface{}

	switch {
	case f.All:
	case f.Peer != "":
		query += ` WHERE (sender = $1 AND recipient = $2) OR (sender = $2 AND recipient = $1)`
		args = append(args, f.Participant, f.Peer)
	default:
		query += ` WHERE sender = $1 OR recipient = $1`
		args = append(args, f.Participant)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: find messages: %w", err)
	}
	defer rows.Close()

	out := []model.Message{}
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.Sender, &m.Recipient, &m.Body, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		m.Timestamp = m.Timestamp.UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LastMessageID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM messages`).Scan(&id); err != nil {
		return 0, fmt.Errorf("store: last message id: %w", err)
	}
	return id, nil
}

// inTx runs fn in a transaction, committing only if fn returns nil.
func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func isPQCode(err error, code string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == code
}
