package types

import (
	"fmt"
	"strings"
	"time"
)

// ContractVersion is the notification payload version.
const ContractVersion = "0.3.0"

// EventType discriminates notifications.
type EventType string

// Event type constants.
const (
	EventTypeFrameLoaded      EventType = "frame_loaded"
	EventTypeFrameLoadFailed  EventType = "frame_load_failed"
	EventTypeTimePointChanged EventType = "time_point_changed"
)

// EventTypes returns every event type.
func EventTypes() []EventType {
	return []EventType{EventTypeFrameLoaded, EventTypeFrameLoadFailed, EventTypeTimePointChanged}
}

// ParseEventType parses an event type name.
func ParseEventType(s string) (EventType, error) {
	switch t := EventType(strings.ToLower(s)); t {
	case EventTypeFrameLoaded, EventTypeFrameLoadFailed, EventTypeTimePointChanged:
		return t, nil
	default:
		return "", fmt.Errorf("invalid event type: %q (must be frame_loaded, frame_load_failed, or time_point_changed)", s)
	}
}

// Event is an advisory notification emitted by the acquisition layer.
// Frame events carry FrameID (and Error on failure); time point events carry
// the volume fields.
type Event struct {
	ContractVersion string     `json:"contract_version"`
	Type            EventType  `json:"event_type"`
	FrameID         Identifier `json:"frame_id,omitempty"`
	Error           string     `json:"error,omitempty"`
	VolumeID        string     `json:"volume_id,omitempty"`
	TimePointIndex  int        `json:"time_point_index,omitempty"`
	GroupCount      int        `json:"group_count,omitempty"`
	SplittingKey    string     `json:"splitting_key,omitempty"`
	Timestamp       string     `json:"timestamp"`
}

// NewFrameLoaded builds a frame_loaded event.
func NewFrameLoaded(id Identifier) Event {
	return Event{
		ContractVersion: ContractVersion,
		Type:            EventTypeFrameLoaded,
		FrameID:         id,
		Timestamp:       now(),
	}
}

// NewFrameLoadFailed builds a frame_load_failed event.
func NewFrameLoadFailed(id Identifier, cause error) Event {
	e := Event{
		ContractVersion: ContractVersion,
		Type:            EventTypeFrameLoadFailed,
		FrameID:         id,
		Timestamp:       now(),
	}
	if cause != nil {
		e.Error = cause.Error()
	}
	return e
}

// NewTimePointChanged builds a time_point_changed event.
func NewTimePointChanged(volumeID string, index, groupCount int, splittingKey string) Event {
	return Event{
		ContractVersion: ContractVersion,
		Type:            EventTypeTimePointChanged,
		VolumeID:        volumeID,
		TimePointIndex:  index,
		GroupCount:      groupCount,
		SplittingKey:    splittingKey,
		Timestamp:       now(),
	}
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
