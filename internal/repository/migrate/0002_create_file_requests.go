package migrate

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/zzenonn/zref/internal/repository/db"
)

const FileRequestsVersion = "20250901000100_file_requests_table"

// CreateFileRequestsTable holds the four ledgers. The status index is keyed by
// "<kind>#<status>" and sorted by "<storage>#<seq>" so the dispatcher can page
// one storage at a time.
type CreateFileRequestsTable struct {
	Prefix string
}

func (m *CreateFileRequestsTable) Version() string {
	return FileRequestsVersion
}

func (m *CreateFileRequestsTable) TableName() string {
	return m.Prefix + db.FileRequestsTable
}

func (m *CreateFileRequestsTable) Up(ctx context.Context, client *dynamodb.Client) error {
	return createTable(ctx, client, &dynamodb.CreateTableInput{
		TableName: aws.String(m.TableName()),
		AttributeDefinitions: []types.AttributeDefinition{
			stringAttribute("id"),
			stringAttribute("status_key"),
			stringAttribute("sort_key"),
		},
		KeySchema: []types.KeySchemaElement{
			keyElement("id", types.KeyTypeHash),
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String(db.StatusIndex),
				KeySchema: []types.KeySchemaElement{
					keyElement("status_key", types.KeyTypeHash),
					keyElement("sort_key", types.KeyTypeRange),
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
		},
	})
}

func (m *CreateFileRequestsTable) Down(ctx context.Context, client *dynamodb.Client) error {
	return dropTable(ctx, client, m.TableName())
}
