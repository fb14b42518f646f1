package domain

// StorageType tells how bytes are read back from a storage location.
type StorageType string

const (
	// StorageTypeImmediate locations are read synchronously.
	StorageTypeImmediate StorageType = "immediate"
	// StorageTypeRestoration locations must stage files into the cache before reading.
	StorageTypeRestoration StorageType = "restoration"
)

// StorageLocation - a configured storage backend
type StorageLocation struct {
	Name     string         `json:"name" yaml:"name"`
	Type     StorageType    `json:"type" yaml:"type"`
	Plugin   string         `json:"plugin" yaml:"plugin"`
	Priority int            `json:"priority" yaml:"priority"`
	Enabled  bool           `json:"enabled" yaml:"enabled"`
	Params   map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

func (l StorageLocation) IsImmediate() bool {
	return l.Type == StorageTypeImmediate
}
