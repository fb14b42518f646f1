package domain

import (
	"slices"
	"time"
)

// RequestStatus is the state of a queued unit of work.
type RequestStatus string

const (
	StatusTodo    RequestStatus = "TODO"
	StatusPending RequestStatus = "PENDING"
	StatusDelayed RequestStatus = "DELAYED"
	StatusError   RequestStatus = "ERROR"
)

// ParseRequestStatus returns the status matching s, or false.
func ParseRequestStatus(s string) (RequestStatus, bool) {
	status := RequestStatus(s)
	switch status {
	case StatusTodo, StatusPending, StatusDelayed, StatusError:
		return status, true
	}
	return "", false
}

// RequestKind names one of the four request ledgers.
type RequestKind string

const (
	KindStorage     RequestKind = "storage"
	KindDeletion    RequestKind = "deletion"
	KindRestoration RequestKind = "restoration"
	KindCopy        RequestKind = "copy"
)

// RequestKinds lists the ledgers in the order the dispatcher walks them.
var RequestKinds = []RequestKind{KindStorage, KindDeletion, KindRestoration, KindCopy}

// Request is implemented by the pointer type of every ledger entry.
type Request interface {
	Header() *RequestHeader
	Kind() RequestKind
	// NaturalKey is unique among the requests of one ledger.
	NaturalKey() string
}

// RequestHeader - fields shared by every ledger entry
type RequestHeader struct {
	ID         string        `json:"id" dynamodbav:"id" yaml:"id"`
	Storage    string        `json:"storage" dynamodbav:"storage" yaml:"storage"`
	Checksum   string        `json:"checksum" dynamodbav:"checksum" yaml:"checksum"`
	Status     RequestStatus `json:"status" dynamodbav:"status" yaml:"status"`
	ErrorCause string        `json:"error_cause,omitempty" dynamodbav:"error_cause,omitempty" yaml:"error_cause,omitempty"`
	Owners     []string      `json:"owners,omitempty" dynamodbav:"owners,omitempty" yaml:"owners,omitempty"`
	GroupIDs   []string      `json:"group_ids,omitempty" dynamodbav:"group_ids,omitempty" yaml:"group_ids,omitempty"`
	JobID      string        `json:"job_id,omitempty" dynamodbav:"job_id,omitempty" yaml:"job_id,omitempty"`
	Seq        uint64        `json:"seq" dynamodbav:"seq" yaml:"seq"`
	CreatedAt  time.Time     `json:"created_at" dynamodbav:"created_at" yaml:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at" dynamodbav:"updated_at" yaml:"updated_at"`
	Version    int64         `json:"version" dynamodbav:"version" yaml:"-"`
}

func (h *RequestHeader) Header() *RequestHeader {
	return h
}

// AddOwner adds owner and reports whether the owner set changed.
func (h *RequestHeader) AddOwner(owner string) bool {
	if owner == "" || slices.Contains(h.Owners, owner) {
		return false
	}
	h.Owners = append(h.Owners, owner)
	return true
}

// AddGroupID records the correlation id of a triggering request.
func (h *RequestHeader) AddGroupID(groupID string) {
	if groupID == "" || slices.Contains(h.GroupIDs, groupID) {
		return
	}
	h.GroupIDs = append(h.GroupIDs, groupID)
}

func (h *RequestHeader) HasGroupID(groupID string) bool {
	return slices.Contains(h.GroupIDs, groupID)
}

// SetError moves the request to ERROR with the given cause.
func (h *RequestHeader) SetError(cause string) {
	h.Status = StatusError
	h.ErrorCause = cause
	h.JobID = ""
}

// Retry resets an errored request to TODO. It reports false for any other status.
func (h *RequestHeader) Retry() bool {
	if h.Status != StatusError {
		return false
	}
	h.Status = StatusTodo
	h.ErrorCause = ""
	return true
}

// NaturalKey builds the (storage, checksum) key used by most ledgers.
func NaturalKey(storage, checksum string) string {
	return storage + "/" + checksum
}

// StorageRequest asks for a file to be written to a storage location.
type StorageRequest struct {
	RequestHeader `yaml:",inline"`
	MetaInfo      FileReferenceMetaInfo `json:"meta_info" dynamodbav:"meta_info" yaml:"meta_info"`
	OriginURL     string                `json:"origin_url" dynamodbav:"origin_url" yaml:"origin_url"`
	SubDirectory  string                `json:"sub_directory,omitempty" dynamodbav:"sub_directory,omitempty" yaml:"sub_directory,omitempty"`
}

func (r *StorageRequest) Kind() RequestKind { return KindStorage }

func (r *StorageRequest) NaturalKey() string { return NaturalKey(r.Storage, r.Checksum) }

// DeletionRequest asks for the physical copy behind a file reference to be removed.
type DeletionRequest struct {
	RequestHeader `yaml:",inline"`
	FileReference FileReference `json:"file_reference" dynamodbav:"file_reference" yaml:"file_reference"`
	ForceDelete   bool          `json:"force_delete" dynamodbav:"force_delete" yaml:"force_delete"`
}

func (r *DeletionRequest) Kind() RequestKind { return KindDeletion }

func (r *DeletionRequest) NaturalKey() string { return NaturalKey(r.Storage, r.Checksum) }

// CacheRequest asks for a file of a restoration location to be staged into the cache.
// Storage is the source location; there is at most one request per checksum.
type CacheRequest struct {
	RequestHeader  `yaml:",inline"`
	FileReference  FileReference `json:"file_reference" dynamodbav:"file_reference" yaml:"file_reference"`
	FileSize       int64         `json:"file_size" dynamodbav:"file_size" yaml:"file_size"`
	Destination    string        `json:"destination" dynamodbav:"destination" yaml:"destination"`
	ExpirationDate time.Time     `json:"expiration_date" dynamodbav:"expiration_date" yaml:"expiration_date"`
}

func (r *CacheRequest) Kind() RequestKind { return KindRestoration }

func (r *CacheRequest) NaturalKey() string { return r.Checksum }

// CopyRequest asks for a known file to be replicated to another storage location.
// Storage is the destination.
type CopyRequest struct {
	RequestHeader  `yaml:",inline"`
	MetaInfo       FileReferenceMetaInfo `json:"meta_info" dynamodbav:"meta_info" yaml:"meta_info"`
	SubDirectory   string                `json:"sub_directory,omitempty" dynamodbav:"sub_directory,omitempty" yaml:"sub_directory,omitempty"`
	CacheGroupID   string                `json:"cache_group_id,omitempty" dynamodbav:"cache_group_id,omitempty" yaml:"cache_group_id,omitempty"`
	StorageGroupID string                `json:"storage_group_id,omitempty" dynamodbav:"storage_group_id,omitempty" yaml:"storage_group_id,omitempty"`
}

func (r *CopyRequest) Kind() RequestKind { return KindCopy }

func (r *CopyRequest) NaturalKey() string { return NaturalKey(r.Storage, r.Checksum) }
