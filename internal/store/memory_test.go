package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taptext/chat/internal/model"
)

func seedMemory(t *testing.T, names ...string) *MemoryStore {
	t.Helper()
	s := NewMemory()
	for _, n := range names {
		require.NoError(t, s.InsertUser(context.Background(), &model.User{Username: n, PasswordHash: "x"}))
	}
	return s
}

func TestMemoryInsertDuplicate(t *testing.T) {
	s := seedMemory(t, "alice")
	err := s.InsertUser(context.Background(), &model.User{Username: "alice"})
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestMemoryFindReturnsCopy(t *testing.T) {
	s := seedMemory(t, "alice")
	ctx := context.Background()

	u, err := s.FindUser(ctx, "alice")
	require.NoError(t, err)
	u.Role = model.RoleAdmin

	again, err := s.FindUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.RoleUser, again.Role)
}

func TestMemoryUpdateUserAbortsOnError(t *testing.T) {
	s := seedMemory(t, "alice")
	ctx := context.Background()
	boom := errors.New("boom")

	_, err := s.UpdateUser(ctx, "alice", func(u *model.User) error {
		u.Bio = "changed"
		return boom
	})
	assert.ErrorIs(t, err, boom)

	u, _ := s.FindUser(ctx, "alice")
	assert.Empty(t, u.Bio)
}

func TestMemoryUpdateUserRejectsNegativeCount(t *testing.T) {
	s := seedMemory(t, "alice")
	_, err := s.UpdateUser(context.Background(), "alice", func(u *model.User) error {
		u.WarningCount = -1
		return nil
	})
	assert.Error(t, err)
}

func TestMemoryUpdateUserNotFound(t *testing.T) {
	s := NewMemory()
	_, err := s.UpdateUser(context.Background(), "ghost", func(*model.User) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryAddWarningAppendsLog(t *testing.T) {
	s := seedMemory(t, "bob")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := s.AddWarning(ctx, model.Warning{Username: "bob", Reason: "spam", IssuedBy: "root"},
			func(u *model.User) error { u.WarningCount++; return nil })
		require.NoError(t, err)
	}

	log, err := s.Warnings(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Less(t, log[0].ID, log[1].ID)
	assert.False(t, log[0].CreatedAt.IsZero())

	u, _ := s.FindUser(ctx, "bob")
	assert.Equal(t, 2, u.WarningCount)
}

func TestMemoryAddWarningFailureWritesNothing(t *testing.T) {
	s := seedMemory(t, "bob")
	ctx := context.Background()

	_, err := s.AddWarning(ctx, model.Warning{Username: "bob", Reason: "x"},
		func(*model.User) error { return errors.New("nope") })
	require.Error(t, err)

	log, err := s.Warnings(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, log)
}

func TestMemoryFollowIsSymmetric(t *testing.T) {
	s := seedMemory(t, "alice", "bob")
	ctx := context.Background()

	require.NoError(t, s.Follow(ctx, "alice", "bob"))
	require.NoError(t, s.Follow(ctx, "alice", "bob"))

	alice, _ := s.FindUser(ctx, "alice")
	bob, _ := s.FindUser(ctx, "bob")
	assert.Equal(t, []string{"bob"}, alice.Following)
	assert.Equal(t, []string{"alice"}, bob.Followers)

	require.NoError(t, s.Unfollow(ctx, "alice", "bob"))
	alice, _ = s.FindUser(ctx, "alice")
	bob, _ = s.FindUser(ctx, "bob")
	assert.Empty(t, alice.Following)
	assert.Empty(t, bob.Followers)
}

func TestMemoryFollowUnknownUser(t *testing.T) {
	s := seedMemory(t, "alice")
	assert.ErrorIs(t, s.Follow(context.Background(), "alice", "ghost"), ErrNotFound)
}

func TestMemoryDeleteUserRemovesEdges(t *testing.T) {
	s := seedMemory(t, "alice", "bob")
	ctx := context.Background()
	require.NoError(t, s.Follow(ctx, "alice", "bob"))
	require.NoError(t, s.Follow(ctx, "bob", "alice"))

	require.NoError(t, s.DeleteUser(ctx, "bob"))

	alice, err := s.FindUser(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, alice.Following)
	assert.Empty(t, alice.Followers)
	assert.ErrorIs(t, s.DeleteUser(ctx, "bob"), ErrNotFound)
}

func TestMemoryMessagesFilterAndOrder(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	base := time.Unix(1000, 0).UTC()

	msgs := []model.Message{
		{ID: 2, Sender: "bob", Recipient: "alice", Body: "b", Timestamp: base},
		{ID: 1, Sender: "alice", Recipient: "bob", Body: "a", Timestamp: base},
		{ID: 3, Sender: "alice", Recipient: "carol", Body: "c", Timestamp: base.Add(time.Second)},
	}
	for _, m := range msgs {
		require.NoError(t, s.InsertMessage(ctx, m))
	}
	assert.ErrorIs(t, s.InsertMessage(ctx, msgs[0]), ErrDuplicate)

	pair, err := s.FindMessages(ctx, MessageFilter{Participant: "alice", Peer: "bob"})
	require.NoError(t, err)
	require.Len(t, pair, 2)
	assert.Equal(t, int64(1), pair[0].ID)
	assert.Equal(t, int64(2), pair[1].ID)

	mine, err := s.FindMessages(ctx, MessageFilter{Participant: "carol"})
	require.NoError(t, err)
	require.Len(t, mine, 1)

	all, err := s.FindMessages(ctx, MessageFilter{All: true})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	last, err := s.LastMessageID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), last)
}

func TestMemoryInsertMessageOutOfOrderDuplicate(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	ts := time.Unix(1000, 0).UTC()

	for _, id := range []int64{5, 3, 4} {
		require.NoError(t, s.InsertMessage(ctx, model.Message{ID: id, Sender: "alice", Recipient: "bob", Body: "x", Timestamp: ts}))
	}
	for _, id := range []int64{3, 4, 5} {
		assert.ErrorIs(t, s.InsertMessage(ctx, model.Message{ID: id, Sender: "alice", Recipient: "bob", Body: "dup", Timestamp: ts}), ErrDuplicate, "id %d", id)
	}

	all, err := s.FindMessages(ctx, MessageFilter{All: true})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{all[0].ID, all[1].ID, all[2].ID})

	last, err := s.LastMessageID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), last)
}

func TestMemoryUsernamesByRole(t *testing.T) {
	s := seedMemory(t, "carol", "alice", "bob")
	ctx := context.Background()
	for _, n := range []string{"carol", "alice"} {
		_, err := s.UpdateUser(ctx, n, func(u *model.User) error { u.Role = model.RoleAdmin; return nil })
		require.NoError(t, err)
	}

	admins, err := s.UsernamesByRole(ctx, model.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "carol"}, admins)
}

func TestMemoryConcurrentUpdates(t *testing.T) {
	s := seedMemory(t, "bob")
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.UpdateUser(ctx, "bob", func(u *model.User) error { u.WarningCount++; return nil })
		}()
	}
	wg.Wait()

	u, _ := s.FindUser(ctx, "bob")
	assert.Equal(t, 50, u.WarningCount)
}
