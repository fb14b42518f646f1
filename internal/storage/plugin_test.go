package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/juju/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zzenonn/zref/internal/domain"
	zerrors "github.com/zzenonn/zref/internal/errors"
)

func TestPartition(t *testing.T) {
	tests := []struct {
		name string
		ids  []string
		keys []string
		size int
		want [][]string
	}{
		{name: "single group", ids: []string{"a", "b"}, keys: []string{"", ""}, size: 10, want: [][]string{{"a", "b"}}},
		{name: "chunked", ids: []string{"a", "b", "c"}, keys: []string{"", "", ""}, size: 2, want: [][]string{{"a", "b"}, {"c"}}},
		{name: "grouped in first seen order", ids: []string{"a", "b", "c", "d"}, keys: []string{"x", "y", "x", "y"}, size: 10,
			want: [][]string{{"a", "c"}, {"b", "d"}}},
		{name: "empty", size: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, partition(tt.ids, tt.keys, tt.size))
		})
	}
}

func TestNewPlugin_Errors(t *testing.T) {
	tests := []struct {
		name string
		loc  domain.StorageLocation
	}{
		{name: "unknown plugin", loc: domain.StorageLocation{Name: "x", Plugin: "ftp"}},
		{name: "local without root", loc: domain.StorageLocation{Name: "x", Plugin: "local"}},
		{name: "s3 without factory", loc: domain.StorageLocation{Name: "x", Plugin: "s3", Params: map[string]any{"bucket": "b"}}},
		{name: "glacier without bucket", loc: domain.StorageLocation{Name: "x", Plugin: "glacier"}},
		{name: "glacier bad tier", loc: domain.StorageLocation{Name: "x", Plugin: "glacier", Params: map[string]any{"bucket": "b", "tier": "Fast"}}},
		{name: "erasure without buckets", loc: domain.StorageLocation{Name: "x", Plugin: "erasure"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPlugin(tt.loc, Deps{})
			assert.Error(t, err)
		})
	}
}

func storageRequest(id, checksum, subDir string) *domain.StorageRequest {
	return &domain.StorageRequest{
		RequestHeader: domain.RequestHeader{ID: id, Checksum: checksum},
		MetaInfo:      domain.FileReferenceMetaInfo{Checksum: checksum, FileSize: 5},
		SubDirectory:  subDir,
	}
}

func TestLocalPlugin_RoundTrip(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	plugin, err := NewPlugin(domain.StorageLocation{
		Name:   "disk",
		Plugin: "local",
		Params: map[string]any{"root": root, "prefix": "files"},
	}, Deps{RequestsPerJob: 1})
	require.NoError(t, err)

	prep, err := plugin.PrepareForStorage(ctx, []*domain.StorageRequest{
		storageRequest("r1", "aaa", "x"), storageRequest("r2", "bbb", "x"),
	})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"r1"}, {"r2"}}, prep.Subsets)
	assert.Empty(t, prep.Errors)

	url, err := plugin.Store(ctx, storageRequest("r1", "aaa", "x"), strings.NewReader("hello"))
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(root, "files", "x", "aaa"))

	ref := domain.FileReference{Location: domain.FileLocation{Storage: "disk", URL: url}}
	rc, err := plugin.Retrieve(ctx, ref)
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "hello", string(data))

	dest := filepath.Join(t.TempDir(), "ab", "aaa")
	require.NoError(t, plugin.Restore(ctx, ref, dest))
	restored, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(restored))

	require.NoError(t, plugin.Delete(ctx, ref))
	assert.NoFileExists(t, filepath.Join(root, "files", "x", "aaa"))

	_, err = plugin.Retrieve(ctx, domain.FileReference{Location: domain.FileLocation{URL: "s3://elsewhere/aaa"}})
	assert.Error(t, err)
}

func TestShardFile_Reconstruct(t *testing.T) {
	data := bytes.Repeat([]byte("zref"), 1000)
	manifest, shards, err := ShardFile(data, 4, 2)
	require.NoError(t, err)
	require.Len(t, shards, 6)
	assert.Equal(t, 4, manifest.DataShards())

	shards[0], shards[5] = nil, nil
	rebuilt, err := ReconstructFile(shards, manifest)
	require.NoError(t, err)
	assert.Equal(t, data, rebuilt)

	shards[1] = nil
	_, err = ReconstructFile(shards, manifest)
	assert.ErrorIs(t, err, zerrors.ErrInsufficientShards)
}

func TestErasurePlugin_SurvivesLostBucket(t *testing.T) {
	ctx := context.Background()
	dirs := []string{t.TempDir(), t.TempDir(), t.TempDir()}
	buckets := make([]any, len(dirs))
	for i, dir := range dirs {
		buckets[i] = "file://" + dir
	}

	plugin, err := NewPlugin(domain.StorageLocation{
		Name:   "ec",
		Plugin: "erasure",
		Params: map[string]any{"buckets": buckets, "data_shards": 4, "parity_shards": 2},
	}, Deps{})
	require.NoError(t, err)

	data := bytes.Repeat([]byte("0123456789"), 500)
	url, err := plugin.Store(ctx, storageRequest("r1", "cafe", ""), bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, "erasure://ec/cafe", url)

	// Losing one bucket loses two of six shards.
	require.NoError(t, os.RemoveAll(dirs[1]))
	ref := domain.FileReference{Location: domain.FileLocation{Storage: "ec", URL: url}}
	rc, err := plugin.Retrieve(ctx, ref)
	require.NoError(t, err)
	got, _ := io.ReadAll(rc)
	assert.Equal(t, data, got)

	_, err = plugin.Store(ctx, storageRequest("r2", "empty", ""), bytes.NewReader(nil))
	assert.ErrorIs(t, err, zerrors.ErrEmptyFile)
}

type mockGlacier struct {
	restoreCalls int
	heads        []string
	headCalls    int
	body         string
}

func (m *mockGlacier) RestoreObject(ctx context.Context, params *s3.RestoreObjectInput, optFns ...func(*s3.Options)) (*s3.RestoreObjectOutput, error) {
	m.restoreCalls++
	return &s3.RestoreObjectOutput{}, nil
}

func (m *mockGlacier) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	state := m.heads[min(m.headCalls, len(m.heads)-1)]
	m.headCalls++
	return &s3.HeadObjectOutput{Restore: aws.String(state)}, nil
}

func (m *mockGlacier) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(m.body))}, nil
}

func (m *mockGlacier) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	return &s3.DeleteObjectOutput{}, nil
}

type mockUploader struct {
	input *s3.PutObjectInput
}

func (m *mockUploader) Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	m.input = input
	return &manager.UploadOutput{}, nil
}

func newTestGlacier(client *mockGlacier, up uploader, maxWait time.Duration) *glacierPlugin {
	params := glacierParams{Bucket: "archive", PollInterval: time.Millisecond, MaxWait: maxWait}
	params.applyDefaults()
	return &glacierPlugin{location: "tape", client: client, uploader: up, params: params, clock: clock.WallClock, size: 100}
}

func TestGlacierPlugin_RestoreWaitsForThaw(t *testing.T) {
	client := &mockGlacier{
		heads: []string{`ongoing-request="true"`, `ongoing-request="true"`, `ongoing-request="false", expiry-date="Fri, 21 Dec 2012 00:00:00 GMT"`},
		body:  "archived",
	}
	plugin := newTestGlacier(client, &mockUploader{}, time.Second)
	ref := domain.FileReference{Location: domain.FileLocation{Storage: "tape", URL: "s3://archive/data/abc"}}

	dest := filepath.Join(t.TempDir(), "abc")
	require.NoError(t, plugin.Restore(context.Background(), ref, dest))
	assert.Equal(t, 1, client.restoreCalls)
	assert.Equal(t, 3, client.headCalls)
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "archived", string(data))

	_, err = plugin.Retrieve(context.Background(), ref)
	assert.True(t, errors.Is(err, zerrors.ErrNotImplemented))
}

func TestGlacierPlugin_RestoreTimesOut(t *testing.T) {
	client := &mockGlacier{heads: []string{`ongoing-request="true"`}}
	plugin := newTestGlacier(client, &mockUploader{}, 20*time.Millisecond)
	ref := domain.FileReference{Location: domain.FileLocation{URL: "s3://archive/abc"}}

	err := plugin.Restore(context.Background(), ref, filepath.Join(t.TempDir(), "abc"))
	assert.ErrorIs(t, err, errRestoreInProgress)
}

func TestGlacierPlugin_StoreAndPrepare(t *testing.T) {
	up := &mockUploader{}
	plugin := newTestGlacier(&mockGlacier{}, up, time.Second)

	url, err := plugin.Store(context.Background(), storageRequest("r1", "abc", "2024"), strings.NewReader("x"))
	require.NoError(t, err)
	assert.Equal(t, "s3://archive/2024/abc", url)
	assert.Equal(t, "GLACIER", string(up.input.StorageClass))

	prep, err := plugin.PrepareForRestoration(context.Background(), []*domain.CacheRequest{
		{RequestHeader: domain.RequestHeader{ID: "ok"}, FileReference: domain.FileReference{Location: domain.FileLocation{URL: url}}},
		{RequestHeader: domain.RequestHeader{ID: "bad"}, FileReference: domain.FileReference{Location: domain.FileLocation{URL: "s3://other/abc"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"ok"}}, prep.Subsets)
	assert.Contains(t, prep.Errors, "bad")
}

func TestOrigins_OpenLocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.txt")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o600))

	origins := NewOrigins(nil)
	for _, url := range []string{path, "file://" + path} {
		rc, err := origins.Open(context.Background(), url)
		require.NoError(t, err)
		data, _ := io.ReadAll(rc)
		rc.Close()
		assert.Equal(t, "data", string(data))
	}

	_, err := origins.Open(context.Background(), "s3://bucket/key")
	assert.Error(t, err, "remote origins need a factory")
}
