package loader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/depot-center/depot/internal/app"
)

func TestPendingHubAddRemove(t *testing.T) {
	h := NewPendingHub()
	a := app.New("a.desktop")

	h.Add(a)
	assert.True(t, h.Contains(a.UniqueID()))
	require.Len(t, h.Apps(), 1)

	h.Remove(a)
	assert.False(t, h.Contains(a.UniqueID()))
	assert.Empty(t, h.Apps())
}

func TestPendingHubAppsSorted(t *testing.T) {
	h := NewPendingHub()
	h.Add(app.New("zebra.desktop"))
	h.Add(app.New("alpha.desktop"))

	apps := h.Apps()
	require.Len(t, apps, 2)
	assert.Equal(t, "alpha.desktop", apps[0].ID())
	assert.Equal(t, "zebra.desktop", apps[1].ID())
}

func TestPendingHubBroadcast(t *testing.T) {
	h := NewPendingHub()
	ch := h.Subscribe()
	assert.Equal(t, 1, h.SubscriberCount())

	h.Add(app.New("a.desktop"))
	apps := <-ch
	require.Len(t, apps, 1)
	assert.Equal(t, "a.desktop", apps[0].ID())

	h.Unsubscribe(ch)
	assert.Equal(t, 0, h.SubscriberCount())
	_, open := <-ch
	assert.False(t, open)
}

func TestPendingHubUnsubscribeTwice(t *testing.T) {
	h := NewPendingHub()
	ch := h.Subscribe()

	h.Unsubscribe(ch)
	assert.NotPanics(t, func() { h.Unsubscribe(ch) })
	assert.Equal(t, 0, h.SubscriberCount())
}

func TestPendingHubSlowSubscriberIsSkipped(t *testing.T) {
	h := NewPendingHub()
	ch := h.Subscribe()
	defer h.Unsubscribe(ch)

	// Overflow the subscriber buffer; broadcasts must never block.
	for i := 0; i < 20; i++ {
		h.Add(app.New("a.desktop"))
	}
	assert.True(t, h.Contains(app.New("a.desktop").UniqueID()))
}
