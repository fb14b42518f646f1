package domain

import "time"

// FileEventType classifies a notification about a file.
type FileEventType string

const (
	EventStored            FileEventType = "STORED"
	EventStoreError        FileEventType = "STORE_ERROR"
	EventDeletedForOwner   FileEventType = "DELETED_FOR_OWNER"
	EventFullyDeleted      FileEventType = "FULLY_DELETED"
	EventDeletionError     FileEventType = "DELETION_ERROR"
	EventAvailable         FileEventType = "AVAILABLE"
	EventAvailabilityError FileEventType = "AVAILABILITY_ERROR"
	EventCopied            FileEventType = "COPIED"
	EventCopyError         FileEventType = "COPY_ERROR"
	EventOwnerNotFound     FileEventType = "OWNER_NOT_FOUND"
)

// FileEvent - notification published when a file changes state
type FileEvent struct {
	Type     FileEventType `json:"type" yaml:"type"`
	Checksum string        `json:"checksum" yaml:"checksum"`
	Storage  string        `json:"storage,omitempty" yaml:"storage,omitempty"`
	Owners   []string      `json:"owners,omitempty" yaml:"owners,omitempty"`
	GroupIDs []string      `json:"group_ids,omitempty" yaml:"group_ids,omitempty"`
	Location string        `json:"location,omitempty" yaml:"location,omitempty"`
	Message  string        `json:"message,omitempty" yaml:"message,omitempty"`
	At       time.Time     `json:"at" yaml:"at"`
}

// IsError reports whether the event reports a failure.
func (e FileEvent) IsError() bool {
	switch e.Type {
	case EventStoreError, EventDeletionError, EventAvailabilityError, EventCopyError:
		return true
	}
	return false
}
