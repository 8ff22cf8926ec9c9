package gwmsg

import (
	"time"

	"github.com/google/uuid"
)

// Kind tags the payload carried by a GWMessage.
type Kind int

const (
	KindRegister Kind = iota
	KindRegisterAck
	KindSensorData
	KindDeviceListRequest
	KindDeviceListResponse
	KindLastValueRequest
	KindLastValueResponse
	KindDeviceAcceptCommand
	KindDeviceUnpairCommand
	KindDeviceSetValueCommand
	KindGatewayListenCommand
	KindNewDeviceRequest
	KindNewDeviceResponse
	KindPing
	KindPong
	KindError
)

// RegisterPayload carries the gateway's identity/credentials on connect.
type RegisterPayload struct {
	GatewayID string
	Token     string
}

// RegisterAckPayload confirms a successful registration.
type RegisterAckPayload struct {
	Accepted bool
	Reason   string
}

// SensorDataPayload carries one reading from one module of one device.
type SensorDataPayload struct {
	Device DeviceID
	Module ModuleID
	Value  []byte
}

// DeviceListResponsePayload answers a DeviceListRequest.
type DeviceListResponsePayload struct {
	Devices []*DeviceDescription
}

// LastValueRequestPayload asks for the last known value of a module.
type LastValueRequestPayload struct {
	Device DeviceID
	Module ModuleID
}

// LastValueResponsePayload answers a LastValueRequest.
type LastValueResponsePayload struct {
	Value []byte
	Found bool
}

// DeviceAcceptCommandPayload requests pairing of a discovered device.
type DeviceAcceptCommandPayload struct {
	Device DeviceID
}

// DeviceUnpairCommandPayload requests unpairing of a device.
type DeviceUnpairCommandPayload struct {
	Device DeviceID
}

// DeviceSetValueCommandPayload requests an actuation on a reactive module.
type DeviceSetValueCommandPayload struct {
	Device DeviceID
	Module ModuleID
	Value  []byte
}

// GatewayListenCommandPayload asks the gateway to announce unpaired devices.
type GatewayListenCommandPayload struct{}

// NewDeviceRequestPayload announces a discovered device upstream.
type NewDeviceRequestPayload struct {
	Description *DeviceDescription
}

// NewDeviceResponsePayload acknowledges a NewDeviceRequest.
type NewDeviceResponsePayload struct {
	Accepted bool
}

// ErrorPayload carries a server- or gateway-side error report.
type ErrorPayload struct {
	Message string
}

// GWMessage is a tagged union of the wire message kinds. Payload holds one
// of the *Payload structs above, selected by Kind.
type GWMessage struct {
	Kind          Kind
	CorrelationID uuid.UUID
	Payload       any
}

// NewMessage builds a GWMessage with a fresh random correlation id.
func NewMessage(kind Kind, payload any) GWMessage {
	return GWMessage{Kind: kind, CorrelationID: uuid.New(), Payload: payload}
}

// NewDeviceCommand wraps a DeviceDescription for upstream announcement.
type NewDeviceCommand struct {
	Description *DeviceDescription
}

// Outcome tags how a GWMessageContext was resolved.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeFulfilled
	OutcomeTimedOut
	OutcomeCancelled
)

// GWMessageOutcome is delivered on a GWMessageContext's Response channel.
type GWMessageOutcome struct {
	Outcome  Outcome
	Response GWMessage
	Reason   string
}

// GWMessageContext tracks an outstanding request awaiting a response.
type GWMessageContext struct {
	Message   GWMessage
	CreatedAt time.Time
	Deadline  time.Time
	Response  chan GWMessageOutcome
}

// NewGWMessageContext builds a context with a deadline at now+timeout and a
// single-slot response channel; the sender never blocks delivering to it.
func NewGWMessageContext(msg GWMessage, now time.Time, timeout time.Duration) *GWMessageContext {
	return &GWMessageContext{
		Message:   msg,
		CreatedAt: now,
		Deadline:  now.Add(timeout),
		Response:  make(chan GWMessageOutcome, 1),
	}
}
