package db_test

import (
	"context"
	"os"
	"testing"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zzenonn/zref/internal/domain"
	zerrors "github.com/zzenonn/zref/internal/errors"
	"github.com/zzenonn/zref/internal/repository"
	"github.com/zzenonn/zref/internal/repository/db"
	"github.com/zzenonn/zref/internal/repository/migrate"
)

// These tests need AWS credentials and create real tables. They only run when
// ZREF_DYNAMODB_TABLE_PREFIX is set, e.g. ZREF_DYNAMODB_TABLE_PREFIX=zref_it_.
func setupDatabase(t *testing.T) *db.DynamoDb {
	t.Helper()
	prefix := os.Getenv("ZREF_DYNAMODB_TABLE_PREFIX")
	if prefix == "" {
		t.Skip("ZREF_DYNAMODB_TABLE_PREFIX not set, skipping DynamoDB integration tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	awsConfig, err := awsconfig.LoadDefaultConfig(ctx)
	require.NoError(t, err)
	database, err := db.NewDatabase(awsConfig, prefix)
	require.NoError(t, err)
	require.NoError(t, migrate.Up(ctx, database.Client, migrate.All(prefix)))
	return database
}

func TestFileReferenceRepository_Integration(t *testing.T) {
	database := setupDatabase(t)
	repo := db.NewFileReferenceRepository(database)
	ctx := context.Background()

	checksum := "it-" + time.Now().Format("20060102150405.000000000")
	ref := domain.FileReference{
		MetaInfo: domain.FileReferenceMetaInfo{Checksum: checksum, Algorithm: "MD5", FileName: "a.txt", FileSize: 10, MimeType: "text/plain"},
		Location: domain.FileLocation{Storage: "it-storage", URL: "file:///tmp/a.txt"},
		Owners:   []string{"u1"},
	}
	_, err := repo.CreateFileReference(ctx, ref)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.DeleteFileReference(ctx, "it-storage", checksum) })

	_, err = repo.CreateFileReference(ctx, ref)
	assert.ErrorIs(t, err, zerrors.ErrConflict)

	updated, err := repo.UpdateFileReference(ctx, "it-storage", checksum, func(r *domain.FileReference) error {
		r.AddOwner("u2")
		return nil
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u1", "u2"}, updated.Owners)
	assert.Equal(t, int64(2), updated.Version)
}

func TestRequestRepository_Integration(t *testing.T) {
	database := setupDatabase(t)
	repo := db.NewStorageRequestRepository(database)
	ctx := context.Background()

	storage := "it-" + time.Now().Format("150405.000000000")
	req := &domain.StorageRequest{
		RequestHeader: domain.RequestHeader{Storage: storage, Checksum: "abc", Owners: []string{"u1"}},
		MetaInfo:      domain.FileReferenceMetaInfo{Checksum: "abc", Algorithm: "MD5", FileName: "a", FileSize: 1, MimeType: "text/plain"},
	}
	created, err := repo.CreateRequest(ctx, req)
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = repo.DeleteRequests(ctx, repository.RequestFilter{Storage: storage}) })

	_, err = repo.CreateRequest(ctx, &domain.StorageRequest{
		RequestHeader: domain.RequestHeader{Storage: storage, Checksum: "abc"},
	})
	assert.ErrorIs(t, err, zerrors.ErrConflict)

	found, err := repo.FindByNaturalKey(ctx, domain.NaturalKey(storage, "abc"))
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)

	moved, err := repo.TransitionRequests(ctx, []string{created.ID}, []domain.RequestStatus{domain.StatusTodo}, func(r *domain.StorageRequest) {
		r.Status = domain.StatusPending
	})
	require.NoError(t, err)
	require.Len(t, moved, 1)

	_, err = repo.TransitionRequests(ctx, []string{created.ID}, []domain.RequestStatus{domain.StatusTodo}, func(r *domain.StorageRequest) {
		r.Status = domain.StatusPending
	})
	assert.ErrorIs(t, err, zerrors.ErrConflict)
}
