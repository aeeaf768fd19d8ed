package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishFansOutToAllSinks(t *testing.T) {
	b := New()
	a, c := NewMemorySink(0), NewMemorySink(0)
	b.Register(a)
	b.Register(c)

	now := time.Unix(1700000000, 0).UTC()
	b.Publish(TagAuth, map[string]string{"id": "minion1"}, now)

	require.Len(t, a.All(), 1)
	require.Len(t, c.All(), 1)
	require.Equal(t, TagAuth, a.All()[0].Tag)
}

func TestMemorySinkByTagFilters(t *testing.T) {
	m := NewMemorySink(0)
	now := time.Unix(1700000000, 0).UTC()
	m.Publish(Event{Tag: TagAuth, Payload: "a", Timestamp: now})
	m.Publish(Event{Tag: TagPresenceChange, Payload: "b", Timestamp: now})
	m.Publish(Event{Tag: TagAuth, Payload: "c", Timestamp: now})

	got := m.ByTag(TagAuth)
	require.Len(t, got, 2)
	require.Equal(t, "a", got[0].Payload)
	require.Equal(t, "c", got[1].Payload)
}

func TestMemorySinkBoundedDropsOldest(t *testing.T) {
	m := NewMemorySink(2)
	now := time.Unix(1700000000, 0).UTC()
	m.Publish(Event{Tag: TagAuth, Payload: 1, Timestamp: now})
	m.Publish(Event{Tag: TagAuth, Payload: 2, Timestamp: now})
	m.Publish(Event{Tag: TagAuth, Payload: 3, Timestamp: now})

	all := m.All()
	require.Len(t, all, 2)
	require.Equal(t, 2, all[0].Payload)
	require.Equal(t, 3, all[1].Payload)
}

func TestMemorySinkClear(t *testing.T) {
	m := NewMemorySink(0)
	m.Publish(Event{Tag: TagAuth, Timestamp: time.Unix(0, 0)})
	m.Clear()
	require.Empty(t, m.All())
}
