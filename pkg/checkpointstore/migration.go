package checkpointstore

import (
	"context"
	"fmt"

	database "cloud.google.com/go/spanner/admin/database/apiv1"
	"cloud.google.com/go/spanner/admin/database/apiv1/databasepb"
)

// RunMigrations creates the Spanner tables backing ownership claims and
// checkpoints. It is idempotent and can be safely called multiple times.
func (s *SpannerStore) RunMigrations(ctx context.Context) error {
	databaseAdminClient, err := database.NewDatabaseAdminClient(ctx)
	if err != nil {
		return err
	}
	defer databaseAdminClient.Close()

	ownershipStmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
		%[2]s STRING(MAX) NOT NULL,
		%[3]s STRING(MAX) NOT NULL,
		%[4]s STRING(MAX) NOT NULL,
		%[5]s STRING(MAX) NOT NULL,
		%[6]s INT64 NOT NULL,
		%[7]s TIMESTAMP NOT NULL,
		%[8]s STRING(36) NOT NULL,
		) PRIMARY KEY (%[2]s, %[3]s, %[4]s)`,
		s.ownershipTable,
		columnStreamID,
		columnConsumerGroup,
		columnPartitionID,
		columnOwnerID,
		columnOwnerLevel,
		columnLastModified,
		columnETag,
	)

	checkpointStmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
		%[2]s STRING(MAX) NOT NULL,
		%[3]s STRING(MAX) NOT NULL,
		%[4]s STRING(MAX) NOT NULL,
		%[5]s STRING(MAX) NOT NULL,
		%[6]s STRING(MAX) NOT NULL,
		%[7]s INT64 NOT NULL,
		%[8]s TIMESTAMP NOT NULL OPTIONS (allow_commit_timestamp=true),
		) PRIMARY KEY (%[2]s, %[3]s, %[4]s)`,
		s.checkpointTable,
		columnStreamID,
		columnConsumerGroup,
		columnPartitionID,
		columnOwnerID,
		columnOffset,
		columnSequenceNumber,
		columnUpdatedAt,
	)

	ownershipIndexStmt := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %[1]s_%[2]s_idx ON %[1]s(%[3]s, %[4]s, %[2]s)",
		s.ownershipTable, columnLastModified, columnStreamID, columnConsumerGroup)

	req := &databasepb.UpdateDatabaseDdlRequest{
		Database:   s.client.DatabaseName(),
		Statements: []string{ownershipStmt, checkpointStmt, ownershipIndexStmt},
	}
	op, err := databaseAdminClient.UpdateDatabaseDdl(ctx, req)
	if err != nil {
		return err
	}

	if err := op.Wait(ctx); err != nil {
		return err
	}

	return nil
}
