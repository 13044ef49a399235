package session

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "sessions.json"))
	require.NoError(t, err)
	return s
}

func TestKey(t *testing.T) {
	assert.Equal(t, "telegram:dm:42", Key("telegram", "42"))
}

func TestUpsertIdempotent(t *testing.T) {
	s := newTestStore(t)

	first, err := s.Upsert("telegram", "42")
	require.NoError(t, err)
	second, err := s.Upsert("telegram", "42")
	require.NoError(t, err)
	assert.Equal(t, first.Key, second.Key)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestAppendMessageTruncation(t *testing.T) {
	s := newTestStore(t)
	sess, err := s.Upsert("telegram", "42")
	require.NoError(t, err)

	long := strings.Repeat("x", maxMessageChars+500)
	require.NoError(t, s.AppendMessage(sess.Key, "user", long))

	got := s.Get(sess.Key)
	require.Len(t, got.History, 1)
	assert.Less(t, len(got.History[0].Text), len(long))
	assert.Contains(t, got.History[0].Text, "[truncated]")
}

func TestHistoryCap(t *testing.T) {
	s := newTestStore(t)
	sess, err := s.Upsert("slack", "U1")
	require.NoError(t, err)

	for i := 0; i < maxHistory+10; i++ {
		require.NoError(t, s.AppendMessage(sess.Key, "user", "hi"))
	}
	got := s.Get(sess.Key)
	assert.Len(t, got.History, maxHistory)
}

func TestAgentSessionID(t *testing.T) {
	s := newTestStore(t)
	sess, err := s.Upsert("telegram", "42")
	require.NoError(t, err)

	assert.Empty(t, s.AgentSessionID(sess.Key))
	require.NoError(t, s.SetAgentSessionID(sess.Key, "sess-abc"))
	assert.Equal(t, "sess-abc", s.AgentSessionID(sess.Key))
	require.NoError(t, s.ClearAgentSessionID(sess.Key))
	assert.Empty(t, s.AgentSessionID(sess.Key))
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.json")

	s, err := NewStore(path)
	require.NoError(t, err)
	sess, err := s.Upsert("whatsapp", "555")
	require.NoError(t, err)
	require.NoError(t, s.AppendMessage(sess.Key, "assistant", "hello"))
	require.NoError(t, s.SetAgentSessionID(sess.Key, "sess-1"))

	s2, err := NewStore(path)
	require.NoError(t, err)
	got := s2.Get(sess.Key)
	require.NotNil(t, got)
	assert.Equal(t, "sess-1", got.AgentSessionID)
	require.Len(t, got.History, 1)
	assert.Equal(t, "hello", got.History[0].Text)
}

func TestClearHistory(t *testing.T) {
	s := newTestStore(t)
	sess, err := s.Upsert("telegram", "42")
	require.NoError(t, err)
	require.NoError(t, s.AppendMessage(sess.Key, "user", "hi"))
	require.NoError(t, s.SetAgentSessionID(sess.Key, "keepme"))

	require.NoError(t, s.ClearHistory(sess.Key))
	got := s.Get(sess.Key)
	assert.Empty(t, got.History)
	assert.Equal(t, "keepme", got.AgentSessionID)
}
