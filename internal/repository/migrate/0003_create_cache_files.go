package migrate

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/zzenonn/zref/internal/repository/db"
)

const CacheFilesVersion = "20250901000200_cache_files_table"

type CreateCacheFilesTable struct {
	Prefix string
}

func (m *CreateCacheFilesTable) Version() string {
	return CacheFilesVersion
}

func (m *CreateCacheFilesTable) TableName() string {
	return m.Prefix + db.CacheFilesTable
}

func (m *CreateCacheFilesTable) Up(ctx context.Context, client *dynamodb.Client) error {
	return createTable(ctx, client, &dynamodb.CreateTableInput{
		TableName:            aws.String(m.TableName()),
		AttributeDefinitions: []types.AttributeDefinition{stringAttribute("checksum")},
		KeySchema:            []types.KeySchemaElement{keyElement("checksum", types.KeyTypeHash)},
	})
}

func (m *CreateCacheFilesTable) Down(ctx context.Context, client *dynamodb.Client) error {
	return dropTable(ctx, client, m.TableName())
}
