package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// MessageTypeCode represents binary message type codes (must match the
// browser client exactly)
type MessageTypeCode byte

const (
	AUTH         MessageTypeCode = 0x01
	AUTH_SUCCESS MessageTypeCode = 0x02
	AUTH_ERROR   MessageTypeCode = 0x03
	USER_JOINED  MessageTypeCode = 0x10
	USER_LEFT    MessageTypeCode = 0x11
	DOC_UPDATE   MessageTypeCode = 0x20
	DOC_STATE    MessageTypeCode = 0x21
	PING         MessageTypeCode = 0x30
	PONG         MessageTypeCode = 0x31
	ERROR        MessageTypeCode = 0xFF
)

// MessageType represents string message type names
const (
	TypeAuth        = "auth"
	TypeAuthSuccess = "auth_success"
	TypeAuthError   = "auth_error"

	TypeUserJoined = "UserJoined"
	TypeUserLeft   = "UserLeft"

	TypeDocUpdate = "doc_update"
	TypeDocState  = "doc_state"

	TypePing = "ping"
	TypePong = "pong"

	TypeError = "error"
)

// UserJoinedPayload is carried by the UserJoined membership event
type UserJoinedPayload struct {
	SocketID string `json:"socketId"`
}

// Map type codes to type names
var typeCodeToName = map[MessageTypeCode]string{
	AUTH:         TypeAuth,
	AUTH_SUCCESS: TypeAuthSuccess,
	AUTH_ERROR:   TypeAuthError,
	USER_JOINED:  TypeUserJoined,
	USER_LEFT:    TypeUserLeft,
	DOC_UPDATE:   TypeDocUpdate,
	DOC_STATE:    TypeDocState,
	PING:         TypePing,
	PONG:         TypePong,
	ERROR:        TypeError,
}

// Map type names to type codes
var typeNameToCode = map[string]MessageTypeCode{
	TypeAuth:        AUTH,
	TypeAuthSuccess: AUTH_SUCCESS,
	TypeAuthError:   AUTH_ERROR,
	TypeUserJoined:  USER_JOINED,
	TypeUserLeft:    USER_LEFT,
	TypeDocUpdate:   DOC_UPDATE,
	TypeDocState:    DOC_STATE,
	TypePing:        PING,
	TypePong:        PONG,
	TypeError:       ERROR,
}

// Message represents a WebSocket message
type Message struct {
	Type      string                 `json:"type"`
	ID        string                 `json:"id"`
	Timestamp int64                  `json:"timestamp"`
	Payload   map[string]interface{} `json:"-"`
}

// EncodeMessage encodes a message to binary format
// Format: [type:1 byte][timestamp:8 bytes][payload_len:4 bytes][payload:JSON bytes]
func EncodeMessage(messageType string, payload map[string]interface{}, timestamp int64) ([]byte, error) {
	typeCode, ok := typeNameToCode[messageType]
	if !ok {
		typeCode = ERROR
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	payloadLen := uint32(len(payloadJSON))

	buf := make([]byte, 13+payloadLen)

	buf[0] = byte(typeCode)
	binary.BigEndian.PutUint64(buf[1:9], uint64(timestamp))
	binary.BigEndian.PutUint32(buf[9:13], payloadLen)
	copy(buf[13:], payloadJSON)

	return buf, nil
}

// DecodeMessage decodes a binary or JSON message
func DecodeMessage(data []byte) (*Message, error) {
	// Check if it's JSON (starts with '{' or '[')
	if len(data) > 0 && (data[0] == '{' || data[0] == '[') {
		var msg map[string]interface{}
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal JSON: %w", err)
		}

		message := &Message{
			Payload: msg,
		}

		if t, ok := msg["type"].(string); ok {
			message.Type = t
		}
		if id, ok := msg["id"].(string); ok {
			message.ID = id
		}
		if ts, ok := msg["timestamp"].(float64); ok {
			message.Timestamp = int64(ts)
		}

		return message, nil
	}

	// Binary protocol
	if len(data) < 13 {
		return nil, fmt.Errorf("message too short: %d bytes", len(data))
	}

	typeCode := MessageTypeCode(data[0])
	timestamp := int64(binary.BigEndian.Uint64(data[1:9]))
	payloadLen := binary.BigEndian.Uint32(data[9:13])

	// Compare in uint64: 13+payloadLen can wrap in uint32 and let a huge
	// declared length slip past the bounds check.
	if uint64(len(data)) < 13+uint64(payloadLen) {
		return nil, fmt.Errorf("incomplete message: expected %d bytes, got %d", 13+uint64(payloadLen), len(data))
	}

	payloadBytes := data[13 : 13+payloadLen]
	var payload map[string]interface{}
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	typeName, ok := typeCodeToName[typeCode]
	if !ok {
		typeName = TypeError
	}

	message := &Message{
		Type:      typeName,
		Timestamp: timestamp,
		Payload:   payload,
	}

	if id, ok := payload["id"].(string); ok {
		message.ID = id
	}

	return message, nil
}
