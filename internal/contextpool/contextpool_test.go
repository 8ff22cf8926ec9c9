package contextpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/iotgw/internal/gwmsg"
)

func newCtx(now time.Time, timeout time.Duration) *gwmsg.GWMessageContext {
	msg := gwmsg.NewMessage(gwmsg.KindDeviceListRequest, gwmsg.DeviceListResponsePayload{})
	return gwmsg.NewGWMessageContext(msg, now, timeout)
}

func TestPool_FulfillDeliversOnce(t *testing.T) {
	p := New(0)
	now := time.Now()
	ctx := newCtx(now, time.Second)
	require.NoError(t, p.Register(ctx))

	resp := gwmsg.NewMessage(gwmsg.KindDeviceListResponse, gwmsg.DeviceListResponsePayload{})
	assert.True(t, p.Fulfill(ctx.Message.CorrelationID, resp))
	assert.False(t, p.Fulfill(ctx.Message.CorrelationID, resp))

	outcome := <-ctx.Response
	assert.Equal(t, gwmsg.OutcomeFulfilled, outcome.Outcome)
	assert.Equal(t, 0, p.Len())
}

func TestPool_ReapDeliversTimedOut(t *testing.T) {
	p := New(0)
	now := time.Now()
	ctx := newCtx(now.Add(-time.Minute), time.Millisecond)
	require.NoError(t, p.Register(ctx))

	assert.Equal(t, 1, p.Reap(now))

	outcome := <-ctx.Response
	assert.Equal(t, gwmsg.OutcomeTimedOut, outcome.Outcome)
}

func TestPool_FulfillWinsRaceAgainstReap(t *testing.T) {
	p := New(0)
	now := time.Now()
	ctx := newCtx(now.Add(-time.Minute), time.Millisecond)
	require.NoError(t, p.Register(ctx))

	resp := gwmsg.NewMessage(gwmsg.KindDeviceListResponse, gwmsg.DeviceListResponsePayload{})
	assert.True(t, p.Fulfill(ctx.Message.CorrelationID, resp))
	assert.Equal(t, 0, p.Reap(now))

	outcome := <-ctx.Response
	assert.Equal(t, gwmsg.OutcomeFulfilled, outcome.Outcome)
}

func TestPool_CancelAll(t *testing.T) {
	p := New(0)
	now := time.Now()
	a := newCtx(now, time.Minute)
	b := newCtx(now, time.Minute)
	require.NoError(t, p.Register(a))
	require.NoError(t, p.Register(b))

	assert.Equal(t, 2, p.CancelAll("shutdown"))
	assert.Equal(t, gwmsg.OutcomeCancelled, (<-a.Response).Outcome)
	assert.Equal(t, gwmsg.OutcomeCancelled, (<-b.Response).Outcome)
}

func TestPool_RegisterCapacity(t *testing.T) {
	p := New(1)
	now := time.Now()
	require.NoError(t, p.Register(newCtx(now, time.Minute)))
	assert.ErrorIs(t, p.Register(newCtx(now, time.Minute)), gwmsg.ErrCapacity)
}
