package runtime

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/mcpfront/gateway/internal/config"
)

var (
	testMongoClient    *mongo.Client
	testMongoContainer testcontainers.Container
	skipMongoTests     bool
)

func setupMongoDB() {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		}
		testMongoContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()
	if containerErr != nil {
		skipMongoTests = true
		return
	}

	host, err := testMongoContainer.Host(ctx)
	if err != nil {
		skipMongoTests = true
		return
	}
	port, err := testMongoContainer.MappedPort(ctx, "27017")
	if err != nil {
		skipMongoTests = true
		return
	}

	uri := fmt.Sprintf("mongodb://%s:%s", host, port.Port())
	testMongoClient, err = mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		skipMongoTests = true
		return
	}
	if err := testMongoClient.Ping(ctx, nil); err != nil {
		skipMongoTests = true
	}
}

func getAuditSink(t *testing.T) *AuditSink {
	t.Helper()
	if testMongoClient == nil && !skipMongoTests {
		setupMongoDB()
	}
	if skipMongoTests {
		t.Skip("Docker not available, skipping Mongo audit sink test")
	}
	collection := testMongoClient.Database("runtime_test").Collection(t.Name())
	require.NoError(t, collection.Drop(context.Background()))
	return NewAuditSinkFromCollection(collection)
}

func TestAuditSinkRecordsOneDocumentPerCall(t *testing.T) {
	sink := getAuditSink(t)
	ctx := context.Background()

	result := ExecutionResult{Success: true, ExitCode: 0}
	require.NoError(t, sink.Record(ctx, "py-default", "python-wasm", "print(1)", result, 0))
	require.NoError(t, sink.Record(ctx, "py-default", "python-wasm", "print(2)", result, 0))

	count, err := sink.collection.CountDocuments(ctx, map[string]any{})
	require.NoError(t, err)
	require.Equal(t, int64(2), count)
}

func TestAuditSinkRecordDoesNotStoreScriptText(t *testing.T) {
	sink := getAuditSink(t)
	ctx := context.Background()

	secret := "print('do not persist me')"
	require.NoError(t, sink.Record(ctx, "py-default", "python-wasm", secret, ExecutionResult{Success: true}, 0))

	var doc map[string]any
	require.NoError(t, sink.collection.FindOne(ctx, map[string]any{}).Decode(&doc))
	for _, v := range doc {
		if s, ok := v.(string); ok {
			require.NotContains(t, s, secret)
		}
	}
}

func TestManagerRecordsAuditOnExecute(t *testing.T) {
	sink := getAuditSink(t)
	ctx := context.Background()

	m := NewManager()
	m.SetAuditSink(sink)
	m.Register(config.RuntimeConfig{Name: "echo", Kind: config.RuntimePythonWasm}, &stubRuntime{
		name:   "echo",
		kind:   config.RuntimePythonWasm,
		result: ExecutionResult{Success: true, ExitCode: 0},
	})

	_, err := m.Execute(ctx, "echo", "ignored", nil)
	require.NoError(t, err)

	count, err := sink.collection.CountDocuments(ctx, map[string]any{})
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}
