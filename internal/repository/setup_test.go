package repository

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"go.mongodb.org/mongo-driver/mongo"
)

// setupTestDB starts a single-node replica set, which transactions require.
func setupTestDB(t *testing.T) *mongo.Database {
	t.Helper()
	ctx := context.Background()

	mongoContainer, err := mongodb.Run(ctx, "mongo:7", mongodb.WithReplicaSet("rs0"))
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := mongoContainer.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	})

	uri, err := mongoContainer.ConnectionString(ctx)
	require.NoError(t, err)

	db, err := ConnectMongoDB(ctx, directURI(uri), "testdb")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Client().Disconnect(context.Background()) })

	require.NoError(t, CreateIndexes(ctx, db))
	return db
}

// directURI pins the driver to the container's mapped port instead of the
// replica set member address advertised inside the container.
func directURI(uri string) string {
	if strings.Contains(uri, "directConnection") {
		return uri
	}
	if strings.Contains(uri, "?") {
		return uri + "&directConnection=true"
	}
	return strings.TrimSuffix(uri, "/") + "/?directConnection=true"
}
