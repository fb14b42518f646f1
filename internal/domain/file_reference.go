package domain

import (
	"errors"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	zerrors "github.com/zzenonn/zref/internal/errors"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// FileReferenceMetaInfo - identity and description of a file's content
type FileReferenceMetaInfo struct {
	Checksum  string `json:"checksum" dynamodbav:"checksum" yaml:"checksum" validate:"required"`
	Algorithm string `json:"algorithm" dynamodbav:"algorithm" yaml:"algorithm" validate:"required"`
	FileName  string `json:"file_name" dynamodbav:"file_name" yaml:"file_name" validate:"required"`
	FileSize  int64  `json:"file_size" dynamodbav:"file_size" yaml:"file_size" validate:"gt=0"`
	MimeType  string `json:"mime_type" dynamodbav:"mime_type" yaml:"mime_type" validate:"required"`
	Type      string `json:"type,omitempty" dynamodbav:"type,omitempty" yaml:"type,omitempty"`
}

// Validate checks that every mandatory identity field is present.
func (m FileReferenceMetaInfo) Validate() error {
	err := validate.Struct(m)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		return zerrors.MissingFieldError(fieldErrs[0].Field())
	}
	return err
}

// FileLocation - where the bytes of a file live
type FileLocation struct {
	Storage string `json:"storage" dynamodbav:"storage" yaml:"storage"`
	URL     string `json:"url" dynamodbav:"url" yaml:"url"`
}

// FileReference - one copy of a file on one storage location, kept alive by its owners
type FileReference struct {
	MetaInfo FileReferenceMetaInfo `json:"meta_info" dynamodbav:"meta_info" yaml:"meta_info"`
	Location FileLocation          `json:"location" dynamodbav:"location" yaml:"location"`
	Owners   []string              `json:"owners" dynamodbav:"owners" yaml:"owners"`
	StoredAt time.Time             `json:"stored_at" dynamodbav:"stored_at" yaml:"stored_at"`
	Version  int64                 `json:"version" dynamodbav:"version" yaml:"-"`
}

func (f *FileReference) Storage() string {
	return f.Location.Storage
}

func (f *FileReference) Checksum() string {
	return f.MetaInfo.Checksum
}

// HasOwner reports whether owner depends on this file.
func (f *FileReference) HasOwner(owner string) bool {
	return slices.Contains(f.Owners, owner)
}

// AddOwner adds owner and reports whether the owner set changed.
func (f *FileReference) AddOwner(owner string) bool {
	if f.HasOwner(owner) {
		return false
	}
	f.Owners = append(f.Owners, owner)
	return true
}

// RemoveOwner removes owner and reports whether the owner set changed.
func (f *FileReference) RemoveOwner(owner string) bool {
	idx := slices.Index(f.Owners, owner)
	if idx < 0 {
		return false
	}
	f.Owners = slices.Delete(f.Owners, idx, idx+1)
	return true
}
