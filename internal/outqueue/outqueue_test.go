package outqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/srg/iotgw/internal/gwmsg"
)

func TestQueue_FIFOOrder(t *testing.T) {
	q := New(8, nil)
	a := gwmsg.NewMessage(gwmsg.KindSensorData, gwmsg.SensorDataPayload{})
	b := gwmsg.NewMessage(gwmsg.KindSensorData, gwmsg.SensorDataPayload{})
	q.Enqueue(a)
	q.Enqueue(b)

	got1, ok := q.DequeueReady(time.Second)
	assert.True(t, ok)
	assert.Equal(t, a.CorrelationID, got1.CorrelationID)

	got2, ok := q.DequeueReady(time.Second)
	assert.True(t, ok)
	assert.Equal(t, b.CorrelationID, got2.CorrelationID)
}

func TestQueue_DequeueReadyTimesOut(t *testing.T) {
	q := New(4, nil)
	_, ok := q.DequeueReady(10 * time.Millisecond)
	assert.False(t, ok)
}

func TestQueue_FlushOnDisconnectDropsStale(t *testing.T) {
	q := New(4, nil)
	msg := gwmsg.NewMessage(gwmsg.KindSensorData, gwmsg.SensorDataPayload{})
	q.Enqueue(msg)

	dropped := q.FlushOnDisconnect(time.Now().Add(time.Hour), time.Minute)
	assert.Equal(t, 1, dropped)
	_, ok := q.DequeueReady(10 * time.Millisecond)
	assert.False(t, ok)
}

func TestQueue_FlushOnDisconnectKeepsFresh(t *testing.T) {
	q := New(4, nil)
	msg := gwmsg.NewMessage(gwmsg.KindSensorData, gwmsg.SensorDataPayload{})
	q.Enqueue(msg)

	dropped := q.FlushOnDisconnect(time.Now(), time.Minute)
	assert.Equal(t, 0, dropped)
	got, ok := q.DequeueReady(10 * time.Millisecond)
	assert.True(t, ok)
	assert.Equal(t, msg.CorrelationID, got.CorrelationID)
}

// TestQueue_SameCorrelationIDDoesNotCollide covers a command and its reply
// in flight together: devicemgr.Manager and friends stamp a reply with the
// same CorrelationID as the command it answers, so both must age and
// dequeue independently rather than sharing one enqueuedAt slot.
func TestQueue_SameCorrelationIDDoesNotCollide(t *testing.T) {
	q := New(8, nil)
	cmd := gwmsg.NewMessage(gwmsg.KindDeviceAcceptCommand, gwmsg.DeviceAcceptCommandPayload{})
	reply := gwmsg.GWMessage{Kind: gwmsg.KindRegisterAck, CorrelationID: cmd.CorrelationID, Payload: gwmsg.RegisterAckPayload{Accepted: true}}

	q.Enqueue(cmd)
	q.Enqueue(reply)

	_, found := q.PeekAgeOldest(time.Now())
	assert.True(t, found)

	got1, ok := q.DequeueReady(time.Second)
	assert.True(t, ok)
	assert.Equal(t, gwmsg.KindDeviceAcceptCommand, got1.Kind)

	// The reply's age must still be tracked after the command dequeued;
	// a shared key would have deleted it along with the command's entry.
	age, found := q.PeekAgeOldest(time.Now())
	assert.True(t, found)
	assert.GreaterOrEqual(t, age, time.Duration(0))

	got2, ok := q.DequeueReady(time.Second)
	assert.True(t, ok)
	assert.Equal(t, gwmsg.KindRegisterAck, got2.Kind)
	assert.Equal(t, cmd.CorrelationID, got2.CorrelationID)

	_, found = q.PeekAgeOldest(time.Now())
	assert.False(t, found)
}

func TestQueue_PeekAgeOldest(t *testing.T) {
	q := New(4, nil)
	_, found := q.PeekAgeOldest(time.Now())
	assert.False(t, found)

	q.Enqueue(gwmsg.NewMessage(gwmsg.KindSensorData, gwmsg.SensorDataPayload{}))
	age, found := q.PeekAgeOldest(time.Now().Add(time.Second))
	assert.True(t, found)
	assert.GreaterOrEqual(t, age, time.Duration(0))
}
