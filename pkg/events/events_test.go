package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlsysops/continuum/pkg/errdefs"
)

func TestMessageEnvelopeJSON(t *testing.T) {
	msg, err := NewMessage(PlanExecuted, map[string]string{"plan_uid": "p-1", "status": "completed"})
	require.NoError(t, err)
	msg.Origin = OriginInternal

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "PLAN_EXECUTED", decoded["event"])
	assert.Equal(t, "internal", decoded["origin"])
	assert.Equal(t, "p-1", msg.PlanUIDOf())
}

func TestDecodeFailsSingleMessage(t *testing.T) {
	msg := &Message{Event: PlanSubmitted, Payload: json.RawMessage(`{"plan_uid":`)}
	var v map[string]any
	err := msg.Decode(&v)
	assert.ErrorIs(t, err, errdefs.ErrValidationFailed)

	empty := &Message{Event: PlanSubmitted}
	assert.ErrorIs(t, empty.Decode(&v), errdefs.ErrValidationFailed)
	assert.Equal(t, "", empty.PlanUIDOf())
}

func TestBrokerRoutesByTag(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	plans := b.Subscribe(PlanExecuted)
	all := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	b.Publish(&Message{Event: AppCreated})
	b.Publish(&Message{Event: PlanExecuted})

	select {
	case msg := <-plans:
		assert.Equal(t, PlanExecuted, msg.Event)
	case <-time.After(time.Second):
		t.Fatal("tagged subscriber did not receive PLAN_EXECUTED")
	}

	got := []EventType{}
	for len(got) < 2 {
		select {
		case msg := <-all:
			got = append(got, msg.Event)
		case <-time.After(time.Second):
			t.Fatal("catch-all subscriber missed messages")
		}
	}
	assert.Equal(t, []EventType{AppCreated, PlanExecuted}, got)

	b.Unsubscribe(plans)
	b.Unsubscribe(plans)
	assert.Equal(t, 1, b.SubscriberCount())
}

func TestQueueCancellation(t *testing.T) {
	q := NewQueue("inbound", 1)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, q.Put(ctx, &Message{Event: AppCreated}))
	assert.False(t, q.TryPut(&Message{Event: AppDeleted}))
	assert.Equal(t, 1, q.Len())

	cancel()
	assert.ErrorIs(t, q.Put(ctx, &Message{Event: AppDeleted}), context.Canceled)

	msg, err := q.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, AppCreated, msg.Event)

	_, err = q.Get(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
