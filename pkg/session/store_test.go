package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := NewStore(Config{
		DBPath: filepath.Join(t.TempDir(), "sessions.db"),
		Logger: zerolog.New(os.Stdout).Level(zerolog.ErrorLevel),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store
}

func TestStore_Resolve(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	t.Run("should create session on first contact", func(t *testing.T) {
		sess, err := store.Resolve(ctx, "acme", "telegram", "42")
		require.NoError(t, err)
		assert.NotEmpty(t, sess.ID)
		assert.Equal(t, ModeDirect, sess.Mode)
		assert.Equal(t, StatusActive, sess.Status)
		assert.Empty(t, sess.ActiveFanOutID)
	})

	t.Run("should return existing session on repeat contact", func(t *testing.T) {
		first, err := store.Resolve(ctx, "acme", "telegram", "blau")
		require.NoError(t, err)
		second, err := store.Resolve(ctx, "acme", "telegram", "blau")
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
	})

	t.Run("should keep contacts on different channels independent", func(t *testing.T) {
		tg, err := store.Resolve(ctx, "acme", "telegram", "dup")
		require.NoError(t, err)
		wc, err := store.Resolve(ctx, "acme", "webchat", "dup")
		require.NoError(t, err)
		assert.NotEqual(t, tg.ID, wc.ID)
	})

	t.Run("should reject empty identity", func(t *testing.T) {
		_, err := store.Resolve(ctx, "", "telegram", "42")
		assert.Error(t, err)
	})
}

func TestStore_AppendAndHistory(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	sess, err := store.Resolve(ctx, "acme", "webchat", "visitor-1")
	require.NoError(t, err)

	first, err := store.Append(ctx, sess.ID, Message{
		Role:   RoleInbound,
		Author: "visitor-1",
		Body:   "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Seq)

	second, err := store.Append(ctx, sess.ID, Message{
		Role:   RoleAgentReply,
		Author: "front-desk",
		Body:   "hi there",
		ToolCalls: []ToolCallRecord{
			{ID: "tc1", Name: "current_time", Output: "2026-08-30T10:00:00Z"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.Seq)

	history, err := store.History(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "hello", history[0].Body)
	assert.Equal(t, "hi there", history[1].Body)
	require.Len(t, history[1].ToolCalls, 1)
	assert.Equal(t, "current_time", history[1].ToolCalls[0].Name)

	t.Run("should window history from the tail in ascending order", func(t *testing.T) {
		windowed, err := store.History(ctx, sess.ID, 1)
		require.NoError(t, err)
		require.Len(t, windowed, 1)
		assert.Equal(t, int64(2), windowed[0].Seq)
	})

	t.Run("should update last activity on append", func(t *testing.T) {
		reloaded, err := store.Get(ctx, sess.ID)
		require.NoError(t, err)
		assert.False(t, reloaded.LastActivityAt.Before(reloaded.CreatedAt))
	})

	t.Run("should reject append to unknown session", func(t *testing.T) {
		_, err := store.Append(ctx, "ghost", Message{Role: RoleInbound, Author: "x", Body: "y"})
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("should reject unknown role", func(t *testing.T) {
		_, err := store.Append(ctx, sess.ID, Message{Role: "system", Author: "x", Body: "y"})
		assert.Error(t, err)
	})
}

func TestStore_OrderPreservedUnderConcurrentUnrelatedSessions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	const contacts = 5
	const perContact = 20

	var wg sync.WaitGroup
	ids := make([]string, contacts)
	for c := 0; c < contacts; c++ {
		sess, err := store.Resolve(ctx, "acme", "webchat", fmt.Sprintf("contact-%d", c))
		require.NoError(t, err)
		ids[c] = sess.ID
	}

	// Each contact appends serially (as the lane runner guarantees) while the
	// contacts themselves run concurrently against the shared store.
	for c := 0; c < contacts; c++ {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perContact; i++ {
				_, err := store.Append(ctx, ids[c], Message{
					Role:   RoleInbound,
					Author: fmt.Sprintf("contact-%d", c),
					Body:   fmt.Sprintf("msg-%d", i),
				})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	for c := 0; c < contacts; c++ {
		history, err := store.History(ctx, ids[c], 0)
		require.NoError(t, err)
		require.Len(t, history, perContact)
		for i, msg := range history {
			assert.Equal(t, fmt.Sprintf("msg-%d", i), msg.Body, "messages must read back in append order")
			assert.Equal(t, int64(i+1), msg.Seq)
		}
	}
}

func TestStore_ModeAndFanOutPointer(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	sess, err := store.Resolve(ctx, "acme", "webchat", "visitor-2")
	require.NoError(t, err)

	require.NoError(t, store.SetMode(ctx, sess.ID, ModeTeam))
	require.NoError(t, store.SetActiveFanOut(ctx, sess.ID, "fo-123"))

	reloaded, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, ModeTeam, reloaded.Mode)
	assert.Equal(t, "fo-123", reloaded.ActiveFanOutID)

	require.NoError(t, store.ClearActiveFanOut(ctx, sess.ID))
	reloaded, err = store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, reloaded.ActiveFanOutID)

	assert.Error(t, store.SetMode(ctx, sess.ID, "free-for-all"))
}

func TestStore_ArchiveIdle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	idle, err := store.Resolve(ctx, "acme", "webchat", "idle-contact")
	require.NoError(t, err)
	fresh, err := store.Resolve(ctx, "acme", "webchat", "fresh-contact")
	require.NoError(t, err)

	// Only the idle session predates the cutoff.
	time.Sleep(20 * time.Millisecond)
	cutoff := time.Now()
	_, err = store.Append(ctx, fresh.ID, Message{Role: RoleInbound, Author: "fresh-contact", Body: "still here"})
	require.NoError(t, err)

	archived, err := store.ArchiveIdle(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, 1, archived)

	reloaded, err := store.Get(ctx, idle.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusArchived, reloaded.Status)

	// Archived sessions are never deleted; history stays readable and the
	// contact gets a new active session on next contact.
	next, err := store.Resolve(ctx, "acme", "webchat", "idle-contact")
	require.NoError(t, err)
	assert.NotEqual(t, idle.ID, next.ID)

	count, err := store.CountActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
