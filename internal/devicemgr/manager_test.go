package devicemgr

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/iotgw/internal/gwmsg"
)

type fakeRequester struct {
	outcome gwmsg.GWMessageOutcome
	err     error
	sent    []gwmsg.GWMessage
}

func (r *fakeRequester) SendAndWait(msg gwmsg.GWMessage, _ time.Duration) (gwmsg.GWMessageOutcome, error) {
	r.sent = append(r.sent, msg)
	return r.outcome, r.err
}

type fakeCache struct {
	paired map[gwmsg.DeviceID]bool
}

func newFakeCache() *fakeCache { return &fakeCache{paired: map[gwmsg.DeviceID]bool{}} }

func (c *fakeCache) IsPaired(id gwmsg.DeviceID) bool  { return c.paired[id] }
func (c *fakeCache) SetPaired(id gwmsg.DeviceID, p bool) { c.paired[id] = p }
func (c *fakeCache) PairedDevices() []gwmsg.DeviceID {
	var out []gwmsg.DeviceID
	for id, p := range c.paired {
		if p {
			out = append(out, id)
		}
	}
	return out
}

type fakeScheduler struct {
	scheduled map[gwmsg.DeviceID]bool
}

func newFakeScheduler() *fakeScheduler { return &fakeScheduler{scheduled: map[gwmsg.DeviceID]bool{}} }

func (s *fakeScheduler) Schedule(id gwmsg.DeviceID) { s.scheduled[id] = true }
func (s *fakeScheduler) Cancel(id gwmsg.DeviceID)   { s.scheduled[id] = false }

func testDevice(n byte) *gwmsg.DeviceDescription {
	id := gwmsg.NewDeviceID(0x01, [7]byte{0, 0, 0, 0, 0, 0, n})
	modules := []gwmsg.ModuleType{
		{Kind: gwmsg.ModuleKindTemperature, Reaction: gwmsg.ReactionNone},
		{Kind: gwmsg.ModuleKindDimmer, Reaction: gwmsg.ReactionSetValue},
	}
	return gwmsg.NewDeviceDescription(id, "acme", "widget", modules, gwmsg.NoRefresh())
}

func TestManager_ListenAnnouncesOnlyUnpaired(t *testing.T) {
	cache := newFakeCache()
	m := New(cache, newFakeScheduler(), nil)

	dev := testDevice(1)
	m.AddDevice(dev, nil)
	paired := testDevice(12)
	m.AddDevice(paired, nil)
	cache.SetPaired(paired.ID(), true)

	answer := make(chan gwmsg.GWMessage, 4)
	m.Handle(gwmsg.NewMessage(gwmsg.KindGatewayListenCommand, gwmsg.GatewayListenCommandPayload{}), answer)
	close(answer)

	var got []gwmsg.GWMessage
	for msg := range answer {
		got = append(got, msg)
	}
	require.Len(t, got, 1)
	assert.Equal(t, gwmsg.KindNewDeviceRequest, got[0].Kind)
}

func TestManager_AcceptMarksPairedAndSchedules(t *testing.T) {
	cache := newFakeCache()
	sched := newFakeScheduler()
	m := New(cache, sched, nil)

	dev := testDevice(2)
	m.AddDevice(dev, nil)

	answer := make(chan gwmsg.GWMessage, 1)
	cmd := gwmsg.NewMessage(gwmsg.KindDeviceAcceptCommand, gwmsg.DeviceAcceptCommandPayload{Device: dev.ID()})
	m.Handle(cmd, answer)

	reply := <-answer
	assert.Equal(t, gwmsg.KindRegisterAck, reply.Kind)
	assert.True(t, cache.IsPaired(dev.ID()))
	assert.True(t, sched.scheduled[dev.ID()])
}

func TestManager_AcceptUnknownDeviceIsNotFound(t *testing.T) {
	m := New(newFakeCache(), newFakeScheduler(), nil)
	answer := make(chan gwmsg.GWMessage, 1)
	bogus := gwmsg.NewDeviceID(0x01, [7]byte{9, 9, 9, 9, 9, 9, 9})
	cmd := gwmsg.NewMessage(gwmsg.KindDeviceAcceptCommand, gwmsg.DeviceAcceptCommandPayload{Device: bogus})
	m.Handle(cmd, answer)

	reply := <-answer
	assert.Equal(t, gwmsg.KindError, reply.Kind)
}

func TestManager_UnpairCancelsSchedule(t *testing.T) {
	cache := newFakeCache()
	sched := newFakeScheduler()
	m := New(cache, sched, nil)

	dev := testDevice(3)
	m.AddDevice(dev, nil)
	cache.SetPaired(dev.ID(), true)
	sched.Schedule(dev.ID())

	answer := make(chan gwmsg.GWMessage, 1)
	cmd := gwmsg.NewMessage(gwmsg.KindDeviceUnpairCommand, gwmsg.DeviceUnpairCommandPayload{Device: dev.ID()})
	m.Handle(cmd, answer)

	<-answer
	assert.False(t, cache.IsPaired(dev.ID()))
	assert.False(t, sched.scheduled[dev.ID()])
}

func TestManager_SetValueOnReactionNoneModuleIsIllegalState(t *testing.T) {
	m := New(newFakeCache(), newFakeScheduler(), nil)
	dev := testDevice(4)
	m.AddDevice(dev, nil)

	answer := make(chan gwmsg.GWMessage, 1)
	cmd := gwmsg.NewMessage(gwmsg.KindDeviceSetValueCommand, gwmsg.DeviceSetValueCommandPayload{
		Device: dev.ID(),
		Module: 0, // temperature, ReactionNone
		Value:  []byte{1},
	})
	m.Handle(cmd, answer)

	reply := <-answer
	assert.Equal(t, gwmsg.KindError, reply.Kind)
}

type recordingDriver struct {
	handled []gwmsg.GWMessage
}

func (d *recordingDriver) Accept(cmd gwmsg.GWMessage) bool { return cmd.Kind == gwmsg.KindDeviceSetValueCommand }
func (d *recordingDriver) Handle(cmd gwmsg.GWMessage, answer chan<- gwmsg.GWMessage) {
	d.handled = append(d.handled, cmd)
	answer <- gwmsg.GWMessage{Kind: gwmsg.KindRegisterAck, CorrelationID: cmd.CorrelationID, Payload: gwmsg.RegisterAckPayload{Accepted: true}}
}
func (d *recordingDriver) Poll(Distributor)             {}
func (d *recordingDriver) Vendor() string                { return "acme" }
func (d *recordingDriver) Product() string               { return "widget" }
func (d *recordingDriver) ModuleTypes() []gwmsg.ModuleType { return nil }

func TestManager_SetValueOnReactiveModuleRoutesToDriver(t *testing.T) {
	m := New(newFakeCache(), newFakeScheduler(), nil)
	dev := testDevice(5)
	driver := &recordingDriver{}
	m.AddDevice(dev, driver)

	answer := make(chan gwmsg.GWMessage, 1)
	cmd := gwmsg.NewMessage(gwmsg.KindDeviceSetValueCommand, gwmsg.DeviceSetValueCommandPayload{
		Device: dev.ID(),
		Module: 1, // dimmer, ReactionSetValue
		Value:  []byte{200},
	})
	m.Handle(cmd, answer)

	reply := <-answer
	assert.Equal(t, gwmsg.KindRegisterAck, reply.Kind)
	require.Len(t, driver.handled, 1)
}

func TestManager_ReconcileRemoteStatus(t *testing.T) {
	cache := newFakeCache()
	sched := newFakeScheduler()
	m := New(cache, sched, nil)

	paired := testDevice(6)
	unpaired := testDevice(7)
	m.AddDevice(paired, nil)
	m.AddDevice(unpaired, nil)
	cache.SetPaired(paired.ID(), true)

	m.ReconcileRemoteStatus()

	assert.True(t, sched.scheduled[paired.ID()])
	assert.False(t, sched.scheduled[unpaired.ID()])
}

func TestManager_SyncDeviceListMarksKnownDevicesPaired(t *testing.T) {
	cache := newFakeCache()
	sched := newFakeScheduler()
	m := New(cache, sched, nil)

	known := testDevice(8)
	m.AddDevice(known, nil)

	unknownID := gwmsg.NewDeviceID(0x01, [7]byte{9, 9, 9, 9, 9, 9, 9})
	req := &fakeRequester{
		outcome: gwmsg.GWMessageOutcome{
			Outcome: gwmsg.OutcomeFulfilled,
			Response: gwmsg.GWMessage{
				Kind: gwmsg.KindDeviceListResponse,
				Payload: &gwmsg.DeviceListResponsePayload{
					Devices: []*gwmsg.DeviceDescription{known, gwmsg.NewDeviceDescription(unknownID, "acme", "widget", nil, gwmsg.NoRefresh())},
				},
			},
		},
	}

	err := m.SyncDeviceList(req, time.Second)
	require.NoError(t, err)
	assert.True(t, cache.IsPaired(known.ID()))
	assert.False(t, cache.IsPaired(unknownID))
	assert.True(t, sched.scheduled[known.ID()])
	require.Len(t, req.sent, 1)
	assert.Equal(t, gwmsg.KindDeviceListRequest, req.sent[0].Kind)
}

func TestManager_SyncDeviceListRequestError(t *testing.T) {
	m := New(newFakeCache(), newFakeScheduler(), nil)
	req := &fakeRequester{err: errors.New("uplink unavailable")}

	err := m.SyncDeviceList(req, time.Second)
	assert.Error(t, err)
}

func TestManager_SyncDeviceListNonFulfilledOutcome(t *testing.T) {
	m := New(newFakeCache(), newFakeScheduler(), nil)
	req := &fakeRequester{outcome: gwmsg.GWMessageOutcome{Outcome: gwmsg.OutcomeTimedOut}}

	err := m.SyncDeviceList(req, time.Second)
	assert.Error(t, err)
}

func TestManager_SyncDeviceListWrongPayloadType(t *testing.T) {
	m := New(newFakeCache(), newFakeScheduler(), nil)
	req := &fakeRequester{
		outcome: gwmsg.GWMessageOutcome{
			Outcome:  gwmsg.OutcomeFulfilled,
			Response: gwmsg.GWMessage{Kind: gwmsg.KindDeviceListResponse, Payload: "not-a-payload"},
		},
	}

	err := m.SyncDeviceList(req, time.Second)
	assert.Error(t, err)
}

func TestManager_FetchLastValueReturnsValue(t *testing.T) {
	m := New(newFakeCache(), newFakeScheduler(), nil)
	req := &fakeRequester{
		outcome: gwmsg.GWMessageOutcome{
			Outcome: gwmsg.OutcomeFulfilled,
			Response: gwmsg.GWMessage{
				Kind:    gwmsg.KindLastValueResponse,
				Payload: &gwmsg.LastValueResponsePayload{Value: []byte{0x2a}, Found: true},
			},
		},
	}

	value, found, err := m.FetchLastValue(req, testDevice(9).ID(), gwmsg.ModuleID(0), time.Second)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte{0x2a}, value)
	require.Len(t, req.sent, 1)
	assert.Equal(t, gwmsg.KindLastValueRequest, req.sent[0].Kind)
}

func TestManager_FetchLastValueNotFound(t *testing.T) {
	m := New(newFakeCache(), newFakeScheduler(), nil)
	req := &fakeRequester{
		outcome: gwmsg.GWMessageOutcome{
			Outcome:  gwmsg.OutcomeFulfilled,
			Response: gwmsg.GWMessage{Kind: gwmsg.KindLastValueResponse, Payload: &gwmsg.LastValueResponsePayload{Found: false}},
		},
	}

	_, found, err := m.FetchLastValue(req, testDevice(10).ID(), gwmsg.ModuleID(0), time.Second)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestManager_FetchLastValueRequestError(t *testing.T) {
	m := New(newFakeCache(), newFakeScheduler(), nil)
	req := &fakeRequester{err: errors.New("uplink unavailable")}

	_, _, err := m.FetchLastValue(req, testDevice(11).ID(), gwmsg.ModuleID(0), time.Second)
	assert.Error(t, err)
}
