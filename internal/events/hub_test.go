package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubFanOutAndDrop(t *testing.T) {
	h := NewHub()
	a := h.Subscribe()
	b := h.Subscribe()
	assert.Equal(t, 2, h.Subscribers())

	h.Publish("x")
	assert.Equal(t, "x", <-a)
	assert.Equal(t, "x", <-b)

	for i := 0; i < 40; i++ {
		h.Publish("fill")
	}
	assert.Equal(t, uint64(16), h.Dropped())

	h.Unsubscribe(a)
	h.Unsubscribe(a)
	assert.Equal(t, 1, h.Subscribers())
}

func TestMakeEvent(t *testing.T) {
	raw := MakeEvent("req-1", TypeKillSwitch, 1, map[string]bool{"active": true})

	var e Event
	require.NoError(t, json.Unmarshal([]byte(raw), &e))
	assert.Equal(t, TypeKillSwitch, e.Type)
	assert.Equal(t, "req-1", e.RequestID)
	assert.JSONEq(t, `{"active":true}`, string(e.Data))
}
