package uplink

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/srg/iotgw/internal/gwmsg"
)

// Codec converts between a GWMessage and its wire representation. The wire
// encoding is opaque per the server's own contract; the core only needs to
// distinguish kinds for routing and extract the correlation id, so the
// default codec is a thin JSON envelope rather than a full protocol.
type Codec interface {
	Encode(msg gwmsg.GWMessage) ([]byte, error)
	Decode(data []byte) (gwmsg.GWMessage, error)
}

type jsonCodec struct{}

// NewJSONCodec returns the default Codec: one JSON object per frame with a
// kind tag, a correlation id, and a kind-specific payload.
func NewJSONCodec() Codec { return jsonCodec{} }

type wireEnvelope struct {
	Kind          gwmsg.Kind      `json:"kind"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload"`
}

func (jsonCodec) Encode(msg gwmsg.GWMessage) ([]byte, error) {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("uplink: encode payload: %w", err)
	}
	return json.Marshal(wireEnvelope{Kind: msg.Kind, CorrelationID: msg.CorrelationID, Payload: payload})
}

func (jsonCodec) Decode(data []byte) (gwmsg.GWMessage, error) {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return gwmsg.GWMessage{}, fmt.Errorf("uplink: decode envelope: %w", err)
	}

	payload, err := decodePayload(env.Kind, env.Payload)
	if err != nil {
		return gwmsg.GWMessage{}, err
	}
	return gwmsg.GWMessage{Kind: env.Kind, CorrelationID: env.CorrelationID, Payload: payload}, nil
}

// unmarshalIfPresent decodes raw into v, leaving v at its zero value when raw
// carries no payload (Ping/Pong/GatewayListenCommand and the like).
func unmarshalIfPresent(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// decodePayload dispatches on kind and returns the decoded payload. The
// four command kinds routed through devicemgr.Manager/virtualdev.Manager
// (accept, unpair, set-value, listen) decode into value types because every
// handler on that path type-asserts the value, not a pointer
// (cmd.Payload.(gwmsg.DeviceAcceptCommandPayload)). Ping, Pong and
// DeviceListRequest carry no payload and decode to nil; every other kind
// decodes into a pointer, matching how its readers assert it.
func decodePayload(kind gwmsg.Kind, raw json.RawMessage) (any, error) {
	switch kind {
	case gwmsg.KindDeviceAcceptCommand:
		var p gwmsg.DeviceAcceptCommandPayload
		if err := unmarshalIfPresent(raw, &p); err != nil {
			return nil, fmt.Errorf("uplink: decode payload for kind %d: %w", kind, err)
		}
		return p, nil
	case gwmsg.KindDeviceUnpairCommand:
		var p gwmsg.DeviceUnpairCommandPayload
		if err := unmarshalIfPresent(raw, &p); err != nil {
			return nil, fmt.Errorf("uplink: decode payload for kind %d: %w", kind, err)
		}
		return p, nil
	case gwmsg.KindDeviceSetValueCommand:
		var p gwmsg.DeviceSetValueCommandPayload
		if err := unmarshalIfPresent(raw, &p); err != nil {
			return nil, fmt.Errorf("uplink: decode payload for kind %d: %w", kind, err)
		}
		return p, nil
	case gwmsg.KindGatewayListenCommand:
		var p gwmsg.GatewayListenCommandPayload
		if err := unmarshalIfPresent(raw, &p); err != nil {
			return nil, fmt.Errorf("uplink: decode payload for kind %d: %w", kind, err)
		}
		return p, nil
	}

	var payload any
	switch kind {
	case gwmsg.KindRegister:
		payload = &gwmsg.RegisterPayload{}
	case gwmsg.KindRegisterAck:
		payload = &gwmsg.RegisterAckPayload{}
	case gwmsg.KindSensorData:
		payload = &gwmsg.SensorDataPayload{}
	case gwmsg.KindDeviceListResponse:
		payload = &gwmsg.DeviceListResponsePayload{}
	case gwmsg.KindLastValueRequest:
		payload = &gwmsg.LastValueRequestPayload{}
	case gwmsg.KindLastValueResponse:
		payload = &gwmsg.LastValueResponsePayload{}
	case gwmsg.KindNewDeviceRequest:
		payload = &gwmsg.NewDeviceRequestPayload{}
	case gwmsg.KindNewDeviceResponse:
		payload = &gwmsg.NewDeviceResponsePayload{}
	case gwmsg.KindError:
		payload = &gwmsg.ErrorPayload{}
	case gwmsg.KindPing, gwmsg.KindPong, gwmsg.KindDeviceListRequest:
		return nil, nil
	default:
		return nil, fmt.Errorf("uplink: unknown message kind %d", kind)
	}
	if err := unmarshalIfPresent(raw, payload); err != nil {
		return nil, fmt.Errorf("uplink: decode payload for kind %d: %w", kind, err)
	}
	return payload, nil
}
