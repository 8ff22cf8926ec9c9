package uplink

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/srg/iotgw/internal/gwmsg"
)

func TestConnector_SendAndWaitTimesOutWithoutConnection(t *testing.T) {
	c := New(Config{
		Host:                "127.0.0.1",
		Port:                "0",
		ReceiveTimeout:      time.Second,
		SendTimeout:         time.Second,
		RetryConnectTimeout: time.Second,
		BusySleep:           time.Second,
		ResendTimeout:       time.Minute,
	}, nil, nil)

	msg := gwmsg.NewMessage(gwmsg.KindDeviceListRequest, nil)
	outcome, err := c.SendAndWait(msg, 20*time.Millisecond)
	assert.NoError(t, err)
	assert.Equal(t, gwmsg.OutcomeTimedOut, outcome.Outcome)
}

func TestConnector_InitialStateDisconnected(t *testing.T) {
	c := New(Config{}, nil, nil)
	assert.Equal(t, Disconnected, c.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "ready", Ready.String())
	assert.Equal(t, "disconnected", Disconnected.String())
}
