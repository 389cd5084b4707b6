package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taptext/chat/internal/model"
)

var userColumns = []string{"username", "display_name", "password_hash", "role", "warning_count", "bio", "created_at"}

func newPostgresWithMock(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgres(db), mock
}

func expectFollows(mock sqlmock.Sqlmock, username string, followers, following []string) {
	fr := sqlmock.NewRows([]string{"follower"})
	for _, f := range followers {
		fr.AddRow(f)
	}
	mock.ExpectQuery(`SELECT\s+follower\s+FROM\s+follows\s+WHERE\s+followee\s*=\s*\$1`).
		WithArgs(username).WillReturnRows(fr)

	fg := sqlmock.NewRows([]string{"followee"})
	for _, f := range following {
		fg.AddRow(f)
	}
	mock.ExpectQuery(`SELECT\s+followee\s+FROM\s+follows\s+WHERE\s+follower\s*=\s*\$1`).
		WithArgs(username).WillReturnRows(fg)
}

func TestPostgresFindUser(t *testing.T) {
	s, mock := newPostgresWithMock(t)
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery(`(?s)SELECT\s+username,.*FROM\s+users\s+WHERE\s+username\s*=\s*\$1`).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows(userColumns).
			AddRow("alice", "Alice", "hash", "admin", 2, "hi", created))
	expectFollows(mock, "alice", []string{"bob"}, []string{"carol", "dave"})

	u, err := s.FindUser(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, model.RoleAdmin, u.Role)
	assert.Equal(t, 2, u.WarningCount)
	assert.Equal(t, []string{"bob"}, u.Followers)
	assert.Equal(t, []string{"carol", "dave"}, u.Following)
	assert.True(t, u.CreatedAt.Equal(created))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFindUserNotFound(t *testing.T) {
	s, mock := newPostgresWithMock(t)

	mock.ExpectQuery(`FROM\s+users\s+WHERE\s+username`).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := s.FindUser(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresFindUserUnknownRole(t *testing.T) {
	s, mock := newPostgresWithMock(t)

	mock.ExpectQuery(`FROM\s+users\s+WHERE\s+username`).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows(userColumns).
			AddRow("alice", "", "hash", "moderator", 0, "", time.Now()))

	_, err := s.FindUser(context.Background(), "alice")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestPostgresInsertUserDuplicate(t *testing.T) {
	s, mock := newPostgresWithMock(t)

	mock.ExpectExec(`(?s)INSERT\s+INTO\s+users\s*\(username,.*\)\s*VALUES`).
		WithArgs("alice", "Alice", "hash", "user", 0, "", sqlmock.AnyArg()).
		WillReturnError(&pq.Error{Code: pqUniqueViolation})

	err := s.InsertUser(context.Background(), &model.User{Username: "alice", DisplayName: "Alice", PasswordHash: "hash"})
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAddWarningCommits(t *testing.T) {
	s, mock := newPostgresWithMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)FROM\s+users\s+WHERE\s+username\s*=\s*\$1\s+FOR\s+UPDATE`).
		WithArgs("bob").
		WillReturnRows(sqlmock.NewRows(userColumns).
			AddRow("bob", "Bob", "hash", "user", 2, "", time.Now()))
	expectFollows(mock, "bob", nil, nil)
	mock.ExpectExec(`(?s)UPDATE\s+users\s+SET`).
		WithArgs("bob", "Bob", "hash", "banned", 3, "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`(?s)INSERT\s+INTO\s+warnings`).
		WithArgs("bob", "spam", "admin", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	u, err := s.AddWarning(context.Background(),
		model.Warning{Username: "bob", Reason: "spam", IssuedBy: "admin"},
		func(u *model.User) error {
			u.WarningCount++
			if u.WarningCount >= 3 {
				u.Role = model.RoleBanned
			}
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, model.RoleBanned, u.Role)
	assert.Equal(t, 3, u.WarningCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateUserRollsBackOnMutateError(t *testing.T) {
	s, mock := newPostgresWithMock(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR\s+UPDATE`).
		WithArgs("bob").
		WillReturnRows(sqlmock.NewRows(userColumns).
			AddRow("bob", "", "hash", "user", 0, "", time.Now()))
	expectFollows(mock, "bob", nil, nil)
	mock.ExpectRollback()

	_, err := s.UpdateUser(context.Background(), "bob", func(*model.User) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDeleteUserNotFound(t *testing.T) {
	s, mock := newPostgresWithMock(t)

	mock.ExpectExec(`DELETE\s+FROM\s+users\s+WHERE\s+username\s*=\s*\$1`).
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, s.DeleteUser(context.Background(), "ghost"), ErrNotFound)
}

func TestPostgresFollowUnknownUser(t *testing.T) {
	s, mock := newPostgresWithMock(t)

	mock.ExpectExec(`(?s)INSERT\s+INTO\s+follows.*ON\s+CONFLICT`).
		WithArgs("alice", "ghost").
		WillReturnError(&pq.Error{Code: pqForeignKeyViolation})

	assert.ErrorIs(t, s.Follow(context.Background(), "alice", "ghost"), ErrNotFound)
}

func TestPostgresFindMessagesPair(t *testing.T) {
	s, mock := newPostgresWithMock(t)
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`(?s)FROM\s+messages\s+WHERE\s+\(sender\s*=\s*\$1\s+AND\s+recipient\s*=\s*\$2\).*ORDER\s+BY\s+created_at,\s*id`).
		WithArgs("alice", "bob").
		WillReturnRows(sqlmock.NewRows([]string{"id", "sender", "recipient", "body", "created_at"}).
			AddRow(int64(1), "alice", "bob", "hi", ts).
			AddRow(int64(2), "bob", "alice", "yo", ts))

	msgs, err := s.FindMessages(context.Background(), MessageFilter{Participant: "alice", Peer: "bob"})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(1), msgs[0].ID)
	assert.Equal(t, "yo", msgs[1].Body)
}

func TestPostgresFindMessagesAll(t *testing.T) {
	s, mock := newPostgresWithMock(t)

	mock.ExpectQuery(`^SELECT\s+id,\s*sender,\s*recipient,\s*body,\s*created_at\s+FROM\s+messages\s+ORDER\s+BY`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "sender", "recipient", "body", "created_at"}))

	msgs, err := s.FindMessages(context.Background(), MessageFilter{All: true})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestPostgresLastMessageID(t *testing.T) {
	s, mock := newPostgresWithMock(t)

	mock.ExpectQuery(`SELECT\s+COALESCE\(MAX\(id\),\s*0\)\s+FROM\s+messages`).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(41)))

	id, err := s.LastMessageID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(41), id)
}
