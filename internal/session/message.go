package session

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// MessageType tags a race message's payload shape.
type MessageType string

const (
	MsgSyncPing      MessageType = "syncPing"
	MsgSyncPong      MessageType = "syncPong"
	MsgRoleConfirm   MessageType = "roleConfirm"
	MsgReady         MessageType = "ready"
	MsgStartEvent    MessageType = "startEvent"
	MsgFinishResult  MessageType = "finishResult"
	MsgHeartbeat     MessageType = "heartbeat"
)

// Message is the wire envelope every race message carries: a type tag, the
// base header {sessionId, senderId, seq}, and a type-specific payload. On
// the wire the payload's fields are flattened into the same JSON object as
// the header (e.g. {"type","sessionId","senderId","seq","t1"}), not nested
// under a "payload" key; Payload here is an in-memory convenience holding
// just the type-specific fields, reassembled by Unmarshal and spread back
// out by Marshal. Nanosecond fields are transmitted as decimal strings so
// JSON's float64 number type never loses precision on 64-bit values.
type Message struct {
	Type      MessageType
	SessionID string
	SenderID  string
	Seq       uint64
	Payload   json.RawMessage
}

type syncPingPayload struct {
	T1 string `json:"t1"`
}

type syncPongPayload struct {
	T1 string `json:"t1"`
	T2 string `json:"t2"`
	T3 string `json:"t3"`
}

type roleConfirmPayload struct {
	Role Role `json:"role"`
}

type readyPayload struct {
	Role Role `json:"role"`
}

type startEventPayload struct {
	TStart string `json:"tStart"`
}

type finishResultPayload struct {
	SplitNanos    string  `json:"splitNanos"`
	UncertaintyMs float64 `json:"uncertaintyMs"`
}

// EncodeSyncPing builds a syncPing message. t1 is a monotonic nanosecond
// timestamp.
func EncodeSyncPing(header Message, t1 int64) (Message, error) {
	return encode(header, MsgSyncPing, syncPingPayload{T1: formatNanos(t1)})
}

// EncodeSyncPong builds a syncPong message.
func EncodeSyncPong(header Message, t1, t2, t3 int64) (Message, error) {
	return encode(header, MsgSyncPong, syncPongPayload{
		T1: formatNanos(t1), T2: formatNanos(t2), T3: formatNanos(t3),
	})
}

// EncodeRoleConfirm builds a roleConfirm message.
func EncodeRoleConfirm(header Message, role Role) (Message, error) {
	return encode(header, MsgRoleConfirm, roleConfirmPayload{Role: role})
}

// EncodeReady builds a ready message.
func EncodeReady(header Message, role Role) (Message, error) {
	return encode(header, MsgReady, readyPayload{Role: role})
}

// EncodeStartEvent builds a startEvent message carrying tStart nanos.
func EncodeStartEvent(header Message, tStart int64) (Message, error) {
	return encode(header, MsgStartEvent, startEventPayload{TStart: formatNanos(tStart)})
}

// EncodeFinishResult builds a finishResult message.
func EncodeFinishResult(header Message, splitNanos int64, uncertaintyMs float64) (Message, error) {
	return encode(header, MsgFinishResult, finishResultPayload{
		SplitNanos: formatNanos(splitNanos), UncertaintyMs: uncertaintyMs,
	})
}

// EncodeHeartbeat builds an empty-payload heartbeat message.
func EncodeHeartbeat(header Message) (Message, error) {
	return encode(header, MsgHeartbeat, struct{}{})
}

func encode(header Message, t MessageType, payload interface{}) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("session: failed to encode %s payload: %w", t, err)
	}
	header.Type = t
	header.Payload = raw
	return header, nil
}

// Marshal serializes a Message to its wire JSON form: the header fields and
// the payload's fields flattened into one JSON object, per the external
// wire format (no nested "payload" key).
func Marshal(msg Message) ([]byte, error) {
	flat := make(map[string]interface{}, 8)
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &flat); err != nil {
			return nil, fmt.Errorf("session: failed to flatten payload: %w", err)
		}
	}
	flat["type"] = msg.Type
	flat["sessionId"] = msg.SessionID
	flat["senderId"] = msg.SenderID
	flat["seq"] = msg.Seq
	return json.Marshal(flat)
}

// Unmarshal parses a flattened wire message, splitting the header fields
// out of the envelope and leaving everything else as the type-specific
// payload in Message.Payload.
func Unmarshal(data []byte) (Message, error) {
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		return Message{}, fmt.Errorf("session: failed to decode message: %w", err)
	}

	var msg Message
	if raw, ok := flat["type"]; ok {
		if err := json.Unmarshal(raw, &msg.Type); err != nil {
			return Message{}, fmt.Errorf("session: failed to decode type: %w", err)
		}
		delete(flat, "type")
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("session: message missing type")
	}
	if raw, ok := flat["sessionId"]; ok {
		json.Unmarshal(raw, &msg.SessionID)
		delete(flat, "sessionId")
	}
	if raw, ok := flat["senderId"]; ok {
		json.Unmarshal(raw, &msg.SenderID)
		delete(flat, "senderId")
	}
	if raw, ok := flat["seq"]; ok {
		json.Unmarshal(raw, &msg.Seq)
		delete(flat, "seq")
	}

	payload, err := json.Marshal(flat)
	if err != nil {
		return Message{}, fmt.Errorf("session: failed to re-encode payload fields: %w", err)
	}
	msg.Payload = payload
	return msg, nil
}

// DecodeSyncPing extracts the syncPing payload, parsing t1 as nanoseconds.
func (m Message) DecodeSyncPing() (t1 int64, err error) {
	var p syncPingPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return 0, err
	}
	return parseNanos(p.T1)
}

// DecodeSyncPong extracts the syncPong payload.
func (m Message) DecodeSyncPong() (t1, t2, t3 int64, err error) {
	var p syncPongPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return 0, 0, 0, err
	}
	if t1, err = parseNanos(p.T1); err != nil {
		return 0, 0, 0, err
	}
	if t2, err = parseNanos(p.T2); err != nil {
		return 0, 0, 0, err
	}
	if t3, err = parseNanos(p.T3); err != nil {
		return 0, 0, 0, err
	}
	return t1, t2, t3, nil
}

// DecodeRoleConfirm extracts the roleConfirm payload.
func (m Message) DecodeRoleConfirm() (Role, error) {
	var p roleConfirmPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return "", err
	}
	return p.Role, nil
}

// DecodeReady extracts the ready payload.
func (m Message) DecodeReady() (Role, error) {
	var p readyPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return "", err
	}
	return p.Role, nil
}

// DecodeStartEvent extracts the startEvent payload, parsing tStart as
// nanoseconds.
func (m Message) DecodeStartEvent() (tStart int64, err error) {
	var p startEventPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return 0, err
	}
	return parseNanos(p.TStart)
}

// DecodeFinishResult extracts the finishResult payload.
func (m Message) DecodeFinishResult() (splitNanos int64, uncertaintyMs float64, err error) {
	var p finishResultPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return 0, 0, err
	}
	if splitNanos, err = parseNanos(p.SplitNanos); err != nil {
		return 0, 0, err
	}
	return splitNanos, p.UncertaintyMs, nil
}

func formatNanos(v int64) string {
	return strconv.FormatInt(v, 10)
}

func parseNanos(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
