package migrate

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/zzenonn/zref/internal/repository/db"
)

const FileReferencesVersion = "20250901000000_file_references_table"

type CreateFileReferencesTable struct {
	Prefix string
}

func (m *CreateFileReferencesTable) Version() string {
	return FileReferencesVersion
}

func (m *CreateFileReferencesTable) TableName() string {
	return m.Prefix + db.FileReferencesTable
}

func (m *CreateFileReferencesTable) Up(ctx context.Context, client *dynamodb.Client) error {
	return createTable(ctx, client, &dynamodb.CreateTableInput{
		TableName: aws.String(m.TableName()),
		AttributeDefinitions: []types.AttributeDefinition{
			stringAttribute("storage"),
			stringAttribute("checksum"),
		},
		KeySchema: []types.KeySchemaElement{
			keyElement("storage", types.KeyTypeHash),   // Partition Key
			keyElement("checksum", types.KeyTypeRange), // Sort Key
		},
		GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
			{
				IndexName: aws.String(db.ChecksumIndex),
				KeySchema: []types.KeySchemaElement{
					keyElement("checksum", types.KeyTypeHash),
					keyElement("storage", types.KeyTypeRange),
				},
				Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
			},
		},
	})
}

func (m *CreateFileReferencesTable) Down(ctx context.Context, client *dynamodb.Client) error {
	return dropTable(ctx, client, m.TableName())
}
