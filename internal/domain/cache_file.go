package domain

import (
	"slices"
	"time"
)

// CacheFile - a file staged in the local cache, readable until it expires
type CacheFile struct {
	Checksum       string    `json:"checksum" dynamodbav:"checksum" yaml:"checksum"`
	FileSize       int64     `json:"file_size" dynamodbav:"file_size" yaml:"file_size"`
	FileName       string    `json:"file_name" dynamodbav:"file_name" yaml:"file_name"`
	MimeType       string    `json:"mime_type" dynamodbav:"mime_type" yaml:"mime_type"`
	Location       string    `json:"location" dynamodbav:"location" yaml:"location"`
	ExpirationDate time.Time `json:"expiration_date" dynamodbav:"expiration_date" yaml:"expiration_date"`
	GroupIDs       []string  `json:"group_ids,omitempty" dynamodbav:"group_ids,omitempty" yaml:"group_ids,omitempty"`
	Version        int64     `json:"version" dynamodbav:"version" yaml:"-"`
}

// Extend pushes the expiration date forward, never backward, and records groupID.
func (c *CacheFile) Extend(expiration time.Time, groupID string) {
	if expiration.After(c.ExpirationDate) {
		c.ExpirationDate = expiration
	}
	if groupID != "" && !slices.Contains(c.GroupIDs, groupID) {
		c.GroupIDs = append(c.GroupIDs, groupID)
	}
}

func (c *CacheFile) Expired(now time.Time) bool {
	return !c.ExpirationDate.After(now)
}
