// Package storage holds the plugins that move bytes in and out of storage
// locations. The dispatcher only asks a plugin to partition requests into
// working subsets; jobs call the byte moving methods later.
package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/juju/clock"
	"github.com/mitchellh/mapstructure"

	"github.com/zzenonn/zref/internal/domain"
	"github.com/zzenonn/zref/internal/repository/objectstore"
)

// UnhandledCause is recorded on requests a plugin neither placed in a subset nor rejected.
const UnhandledCause = "Request has not been handled by plugin."

// Preparation is a plugin's partition of one page of requests.
type Preparation struct {
	// Subsets lists request ids, one slice per job.
	Subsets [][]string
	// Errors maps rejected request ids to their cause.
	Errors map[string]string
}

// Plugin is implemented once per kind of storage location.
type Plugin interface {
	PrepareForStorage(ctx context.Context, requests []*domain.StorageRequest) (Preparation, error)
	PrepareForDeletion(ctx context.Context, requests []*domain.DeletionRequest) (Preparation, error)
	PrepareForRestoration(ctx context.Context, requests []*domain.CacheRequest) (Preparation, error)

	// Store writes body for req and returns the URL of the stored file.
	Store(ctx context.Context, req *domain.StorageRequest, body io.Reader) (string, error)
	Delete(ctx context.Context, ref domain.FileReference) error
	// Restore stages the file behind ref at destPath on the local disk.
	Restore(ctx context.Context, ref domain.FileReference, destPath string) error
	// Retrieve streams a file of an immediate location. Restoration locations
	// return errors.ErrNotImplemented.
	Retrieve(ctx context.Context, ref domain.FileReference) (io.ReadCloser, error)
}

// Deps are the shared clients plugins are built from.
type Deps struct {
	Factory        *objectstore.Factory
	RequestsPerJob int
	Clock          clock.Clock
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// NewPlugin builds the plugin configured for loc.
func NewPlugin(loc domain.StorageLocation, deps Deps) (Plugin, error) {
	if deps.RequestsPerJob <= 0 {
		deps.RequestsPerJob = 100
	}
	if deps.Clock == nil {
		deps.Clock = clock.WallClock
	}

	switch loc.Plugin {
	case "s3", "gcs", "local":
		return newObjectPlugin(loc, deps)
	case "glacier":
		return newGlacierPlugin(loc, deps)
	case "erasure":
		return newErasurePlugin(loc, deps)
	default:
		return nil, fmt.Errorf("location %s: unknown plugin %q", loc.Name, loc.Plugin)
	}
}

// decodeParams decodes location params into out and validates it.
func decodeParams(loc domain.StorageLocation, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(loc.Params); err != nil {
		return fmt.Errorf("location %s: invalid %s params: %w", loc.Name, loc.Plugin, err)
	}
	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("location %s: invalid %s params: %w", loc.Name, loc.Plugin, err)
	}
	return nil
}

// partition groups ids by key, keeping first-seen order, then cuts each group
// into chunks of at most size.
func partition(ids, keys []string, size int) [][]string {
	var order []string
	groups := make(map[string][]string)
	for i, id := range ids {
		key := keys[i]
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], id)
	}

	var subsets [][]string
	for _, key := range order {
		group := groups[key]
		for len(group) > size {
			subsets = append(subsets, group[:size:size])
			group = group[size:]
		}
		subsets = append(subsets, group)
	}
	return subsets
}

// prepareByKey is the default partition shared by the plugins.
func prepareByKey[T domain.Request](requests []T, size int, key func(T) string, check func(T) string) Preparation {
	prep := Preparation{Errors: make(map[string]string)}
	var ids, keys []string
	for _, req := range requests {
		id := req.Header().ID
		if check != nil {
			if cause := check(req); cause != "" {
				prep.Errors[id] = cause
				continue
			}
		}
		ids = append(ids, id)
		keys = append(keys, key(req))
	}
	prep.Subsets = partition(ids, keys, size)
	return prep
}

func byDirectory(req *domain.StorageRequest) string {
	return req.SubDirectory
}

// objectKey lays files out as <prefix>/<subDirectory>/<checksum>.
func objectKey(prefix, subDirectory, checksum string) string {
	return strings.TrimPrefix(path.Join(prefix, subDirectory, checksum), "/")
}
