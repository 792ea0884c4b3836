package hub

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func ids(conns []Conn) []string {
	out := make([]string, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.ID())
	}
	return out
}

func TestRegistry_AddRemove(t *testing.T) {
	r := NewRegistry()
	a, b := newFakeConn("a", 1), newFakeConn("b", 1)

	assert.True(t, r.Add(a))
	assert.True(t, r.Add(b))
	assert.False(t, r.Add(newFakeConn("a", 1)), "duplicate id must not replace the existing session")
	assert.Equal(t, 2, r.Len())

	got, ok := r.Remove("a")
	assert.True(t, ok)
	assert.Same(t, a, got)
	assert.Equal(t, []string{"b"}, ids(r.Snapshot()))
	assert.Same(t, b, r.Snapshot()[0])
}

func TestRegistry_RemoveTwice(t *testing.T) {
	r := NewRegistry()
	r.Add(newFakeConn("a", 1))
	r.Add(newFakeConn("b", 1))

	_, first := r.Remove("a")
	_, second := r.Remove("a")

	assert.True(t, first)
	assert.False(t, second)
	assert.Equal(t, []string{"b"}, ids(r.Snapshot()))
}

func TestRegistry_SnapshotIsDetached(t *testing.T) {
	r := NewRegistry()
	r.Add(newFakeConn("a", 1))
	r.Add(newFakeConn("b", 1))

	snap := r.Snapshot()
	r.Remove("a")
	r.Add(newFakeConn("c", 1))

	assert.ElementsMatch(t, []string{"a", "b"}, ids(snap))
	assert.Equal(t, 2, r.Len())
}
