package reqmap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertLookup(t *testing.T) {
	m := New()
	defer m.Close()

	_, err := m.Insert(1, "1.2.3.4", 1, "example.com", "value-a")
	require.NoError(t, err)

	v, found := m.Lookup(1, "1.2.3.4", 1, "example.com")
	assert.True(t, found)
	assert.Equal(t, "value-a", v)

	// A second Lookup must still find it — Lookup does not remove.
	_, found = m.Lookup(1, "1.2.3.4", 1, "example.com")
	assert.True(t, found)
}

func TestLookupMismatch(t *testing.T) {
	m := New()
	defer m.Close()

	_, err := m.Insert(7, "10.0.0.1", 1, "a.example.com", 42)
	require.NoError(t, err)

	_, found := m.Lookup(7, "10.0.0.2", 1, "a.example.com")
	assert.False(t, found, "different peer must not match")

	_, found = m.Lookup(7, "10.0.0.1", 28, "a.example.com")
	assert.False(t, found, "different qtype must not match")

	_, found = m.Lookup(7, "10.0.0.1", 1, "b.example.com")
	assert.False(t, found, "different qname must not match")
}

func TestNullPeerMatchesOnlyNullPeer(t *testing.T) {
	m := New()
	defer m.Close()

	_, err := m.Insert(3, "", 1, "example.com", "nullpeer")
	require.NoError(t, err)

	_, found := m.Lookup(3, "1.2.3.4", 1, "example.com")
	assert.False(t, found)

	v, found := m.Lookup(3, "", 1, "example.com")
	assert.True(t, found)
	assert.Equal(t, "nullpeer", v)
}

func TestLookupAndRemoveConsumesEntry(t *testing.T) {
	m := New()
	defer m.Close()

	_, err := m.Insert(5, "1.1.1.1", 1, "example.com", "v")
	require.NoError(t, err)

	v, found := m.LookupAndRemove(5, "1.1.1.1", 1, "example.com")
	assert.True(t, found)
	assert.Equal(t, "v", v)

	_, found = m.Lookup(5, "1.1.1.1", 1, "example.com")
	assert.False(t, found, "entry should have been removed")
}

func TestCancelTokenRemovesExactEntry(t *testing.T) {
	m := New()
	defer m.Close()

	cancelA, err := m.Insert(9, "2.2.2.2", 1, "dup.example.com", "a")
	require.NoError(t, err)
	_, err = m.Insert(9, "2.2.2.2", 1, "dup.example.com", "b")
	require.NoError(t, err)

	// Same tuple exists twice; cancelling the first token must only remove
	// the entry it was issued for.
	cancelA()

	v, found := m.Lookup(9, "2.2.2.2", 1, "dup.example.com")
	assert.True(t, found)
	assert.Equal(t, "b", v)
}

func TestCancelTokenIdempotent(t *testing.T) {
	m := New()
	defer m.Close()

	cancel, err := m.Insert(2, "3.3.3.3", 1, "example.com", "x")
	require.NoError(t, err)

	cancel()
	cancel() // must not panic or block

	_, found := m.Lookup(2, "3.3.3.3", 1, "example.com")
	assert.False(t, found)
}

func TestCreateCancelRemovesByTuple(t *testing.T) {
	m := New()
	defer m.Close()

	cancel := m.CreateCancel(4, "4.4.4.4", 1, "example.com")

	// No entry exists yet; cancelling must be a harmless no-op.
	cancel()

	_, err := m.Insert(4, "4.4.4.4", 1, "example.com", "rebound")
	require.NoError(t, err)

	cancel2 := m.CreateCancel(4, "4.4.4.4", 1, "example.com")
	cancel2()

	_, found := m.Lookup(4, "4.4.4.4", 1, "example.com")
	assert.False(t, found)
}

func TestCancelTokenNoopAfterClose(t *testing.T) {
	m := New()
	cancel, err := m.Insert(6, "5.5.5.5", 1, "example.com", "y")
	require.NoError(t, err)

	m.Close()

	done := make(chan struct{})
	go func() {
		cancel()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cancel() blocked after Map was closed")
	}
}

func TestInsertAfterCloseReturnsError(t *testing.T) {
	m := New()
	m.Close()

	_, err := m.Insert(1, "1.2.3.4", 1, "example.com", "v")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestIDCollisionDisambiguatedByTuple(t *testing.T) {
	m := New()
	defer m.Close()

	_, err := m.Insert(100, "1.1.1.1", 1, "a.example.com", "from-client-a")
	require.NoError(t, err)
	_, err = m.Insert(100, "2.2.2.2", 1, "b.example.com", "from-client-b")
	require.NoError(t, err)

	assert.Equal(t, 2, m.Len())

	va, found := m.Lookup(100, "1.1.1.1", 1, "a.example.com")
	require.True(t, found)
	assert.Equal(t, "from-client-a", va)

	vb, found := m.Lookup(100, "2.2.2.2", 1, "b.example.com")
	require.True(t, found)
	assert.Equal(t, "from-client-b", vb)
}

func TestRemoveByTuple(t *testing.T) {
	m := New()
	defer m.Close()

	_, err := m.Insert(11, "9.9.9.9", 1, "example.com", "z")
	require.NoError(t, err)

	removed := m.Remove(11, "9.9.9.9", 1, "example.com")
	assert.True(t, removed)

	removed = m.Remove(11, "9.9.9.9", 1, "example.com")
	assert.False(t, removed, "second Remove of the same tuple finds nothing")
}
