// ABOUTME: HiveMind wire message type definitions and constructors
// ABOUTME: Defines the closed set of message kinds exchanged between host and nodes
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies a wire message kind.
type MessageType string

const (
	TypeJoinRequest      MessageType = "join_request"
	TypeJoinAccept       MessageType = "join_accept"
	TypeJoinReject       MessageType = "join_reject"
	TypeTimeSyncRequest  MessageType = "time_sync_request"
	TypeTimeSyncResponse MessageType = "time_sync_response"
	TypeHeartbeat        MessageType = "heartbeat"
	TypeHeartbeatAck     MessageType = "heartbeat_ack"
	TypeScheduleTrack    MessageType = "schedule_track"
	TypeAudioChunk       MessageType = "audio_chunk"
)

// ErrUnknownType is returned by Decode when a frame carries a missing or
// unrecognized type discriminator. Callers treat it as "no handler" and keep
// the connection open.
var ErrUnknownType = errors.New("unknown message type")

// Message is the top-level wrapper for all protocol messages.
// AudioData is base64-encoded on the wire by JSON []byte encoding.
type Message struct {
	Type      MessageType `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	AudioData []byte      `json:"audio_data,omitempty"`
}

// Envelope is a parsed inbound frame with the payload left raw so the
// dispatch layer can route on Type before any payload typing happens.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	AudioData []byte          `json:"audio_data"`
}

// JoinRequest is sent by a node to enter a session.
type JoinRequest struct {
	DeviceID    string                 `json:"device_id"`
	DeviceName  string                 `json:"device_name"`
	SessionCode string                 `json:"session_code"`
	Metadata    map[string]interface{} `json:"metadata"`
}

// TrackSchedule describes one scheduled track. Used both as the
// schedule_track payload and inside SessionInfo.
type TrackSchedule struct {
	TrackURL string  `json:"track_url"`
	StartAt  float64 `json:"start_at"`
	Duration float64 `json:"duration"`
}

// SessionInfo is the session summary returned with a join_accept.
type SessionInfo struct {
	Code      string          `json:"code"`
	NodeCount int             `json:"node_count"`
	Scheduled []TrackSchedule `json:"scheduled"`
}

// JoinAccept confirms admission to the session.
type JoinAccept struct {
	DeviceID string      `json:"device_id"`
	Session  SessionInfo `json:"session"`
}

// JoinReject refuses a join attempt.
type JoinReject struct {
	Reason string `json:"reason"`
}

// TimeSyncRequest carries the node's clock reading in Unix seconds.
type TimeSyncRequest struct {
	ClientTime float64 `json:"client_time"`
}

// TimeSyncResponse echoes the node's clock reading alongside the host's.
type TimeSyncResponse struct {
	HostTime   float64 `json:"host_time"`
	ClientTime float64 `json:"client_time"`
}

// Heartbeat is a liveness report from a node.
type Heartbeat struct {
	DeviceID string `json:"device_id"`
}

// HeartbeatAck acknowledges a heartbeat.
type HeartbeatAck struct {
	DeviceID string `json:"device_id"`
}

// AudioChunk carries the timing and format for one broadcast chunk.
// The PCM bytes ride in the envelope's audio_data field.
type AudioChunk struct {
	PlayAt     float64 `json:"play_at"`
	SampleRate int     `json:"sample_rate"`
	Channels   int     `json:"channels"`
}

// NewJoinRequest builds a join_request message.
func NewJoinRequest(deviceID, deviceName, sessionCode string, metadata map[string]interface{}) Message {
	return Message{Type: TypeJoinRequest, Payload: JoinRequest{
		DeviceID:    deviceID,
		DeviceName:  deviceName,
		SessionCode: sessionCode,
		Metadata:    metadata,
	}}
}

// NewJoinAccept builds a join_accept message.
func NewJoinAccept(deviceID string, session SessionInfo) Message {
	return Message{Type: TypeJoinAccept, Payload: JoinAccept{DeviceID: deviceID, Session: session}}
}

// NewJoinReject builds a join_reject message.
func NewJoinReject(reason string) Message {
	return Message{Type: TypeJoinReject, Payload: JoinReject{Reason: reason}}
}

// NewTimeSyncRequest builds a time_sync_request message.
func NewTimeSyncRequest(clientTime float64) Message {
	return Message{Type: TypeTimeSyncRequest, Payload: TimeSyncRequest{ClientTime: clientTime}}
}

// NewTimeSyncResponse builds a time_sync_response message. The client time
// is echoed back exactly as received.
func NewTimeSyncResponse(hostTime, clientTime float64) Message {
	return Message{Type: TypeTimeSyncResponse, Payload: TimeSyncResponse{HostTime: hostTime, ClientTime: clientTime}}
}

// NewHeartbeat builds a heartbeat message.
func NewHeartbeat(deviceID string) Message {
	return Message{Type: TypeHeartbeat, Payload: Heartbeat{DeviceID: deviceID}}
}

// NewHeartbeatAck builds a heartbeat_ack message.
func NewHeartbeatAck(deviceID string) Message {
	return Message{Type: TypeHeartbeatAck, Payload: HeartbeatAck{DeviceID: deviceID}}
}

// NewScheduleTrack builds a schedule_track message.
func NewScheduleTrack(trackURL string, startAt, duration float64) Message {
	return Message{Type: TypeScheduleTrack, Payload: TrackSchedule{
		TrackURL: trackURL,
		StartAt:  startAt,
		Duration: duration,
	}}
}

// NewAudioChunk builds an audio_chunk message.
func NewAudioChunk(playAt float64, sampleRate, channels int, audioData []byte) Message {
	return Message{
		Type:      TypeAudioChunk,
		Payload:   AudioChunk{PlayAt: playAt, SampleRate: sampleRate, Channels: channels},
		AudioData: audioData,
	}
}

// Decode parses a wire frame into an Envelope. Frames with a missing or
// unrecognized type return ErrUnknownType.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if !knownType(env.Type) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	return &env, nil
}

// knownType reports whether t is one of the nine protocol message kinds.
func knownType(t MessageType) bool {
	switch t {
	case TypeJoinRequest, TypeJoinAccept, TypeJoinReject,
		TypeTimeSyncRequest, TypeTimeSyncResponse,
		TypeHeartbeat, TypeHeartbeatAck,
		TypeScheduleTrack, TypeAudioChunk:
		return true
	}
	return false
}
