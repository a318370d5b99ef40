// Package proto holds the perception server's event contract and the
// Socket.IO framing it is carried in.
package proto

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Inbound event names.
const (
	EventConnect          = "connect"
	EventDisconnect       = "disconnect"
	EventConnectionStatus = "connection_status"
	EventAudioData        = "audio_data"
	EventServerStatus     = "server_status"
	EventDetection        = "detection"
)

// Outbound event names.
const (
	EventRequestStatus  = "request_status"
	EventUpdateSettings = "update_settings"
)

// AudioEvent is one server push carrying a spoken scene description.
// Payload is still in its transport encoding (base64 text).
type AudioEvent struct {
	Payload         []byte
	Description     string
	DetectedObjects []string
	Timestamp       time.Time
	RawTimestamp    string
}

type StatusMessage struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type ServerStatus struct {
	ModelLoaded      bool    `json:"model_loaded"`
	TTSAvailable     bool    `json:"tts_available"`
	Confidence       float64 `json:"confidence"`
	ConnectedClients int     `json:"connected_clients"`
}

// Detection is a description pushed without audio.
type Detection struct {
	Text            string
	DetectedObjects []string
	Timestamp       time.Time
}

// Settings is the update_settings payload. Nil fields are left unchanged
// on the server.
type Settings struct {
	Confidence *float64 `json:"confidence,omitempty"`
	Cooldown   *float64 `json:"cooldown,omitempty"`
}

// Objects accepts either ["chair"] or [{"name":"chair","confidence":0.9}].
type Objects []string

func (o *Objects) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("objects: %w", err)
	}
	out := make(Objects, 0, len(raw))
	for _, item := range raw {
		var name string
		if err := json.Unmarshal(item, &name); err == nil {
			out = append(out, name)
			continue
		}
		var obj struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(item, &obj); err != nil {
			return fmt.Errorf("objects: %w", err)
		}
		out = append(out, obj.Name)
	}
	*o = out
	return nil
}

type audioWire struct {
	Audio       *string `json:"audio"`
	Description *string `json:"description"`
	Text        string  `json:"text"`
	Objects     Objects `json:"objects"`
	Timestamp   string  `json:"timestamp"`
}

// ParseAudioEvent decodes an audio_data payload. received is used when the
// server timestamp is missing or unparseable.
func ParseAudioEvent(data []byte, received time.Time) (AudioEvent, error) {
	var w audioWire
	if err := json.Unmarshal(data, &w); err != nil {
		return AudioEvent{}, fmt.Errorf("parse audio_data: %w", err)
	}
	if w.Audio == nil {
		return AudioEvent{}, fmt.Errorf("parse audio_data: missing audio field")
	}
	desc := w.Text
	if w.Description != nil {
		desc = *w.Description
	}
	return AudioEvent{
		Payload:         []byte(*w.Audio),
		Description:     desc,
		DetectedObjects: []string(w.Objects),
		Timestamp:       ParseTimestamp(w.Timestamp, received),
		RawTimestamp:    w.Timestamp,
	}, nil
}

func ParseDetection(data []byte, received time.Time) (Detection, error) {
	var w audioWire
	if err := json.Unmarshal(data, &w); err != nil {
		return Detection{}, fmt.Errorf("parse detection: %w", err)
	}
	text := w.Text
	if w.Description != nil {
		text = *w.Description
	}
	return Detection{
		Text:            text,
		DetectedObjects: []string(w.Objects),
		Timestamp:       ParseTimestamp(w.Timestamp, received),
	}, nil
}

func ParseStatus(data []byte) (StatusMessage, error) {
	var s StatusMessage
	if err := json.Unmarshal(data, &s); err != nil {
		return StatusMessage{}, fmt.Errorf("parse connection_status: %w", err)
	}
	return s, nil
}

func ParseServerStatus(data []byte) (ServerStatus, error) {
	var s ServerStatus
	if err := json.Unmarshal(data, &s); err != nil {
		return ServerStatus{}, fmt.Errorf("parse server_status: %w", err)
	}
	return s, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
}

// ParseTimestamp accepts RFC 3339 and the naive ISO forms Python's
// isoformat() produces. Naive times are taken as local.
func ParseTimestamp(s string, fallback time.Time) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t
		}
	}
	return fallback
}
