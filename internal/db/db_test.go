package db

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/raphaelgruber/factgraph/internal/models"
)

var testDB *Client

// TestMain starts one SurrealDB container for the package. With -short the
// container is skipped and every store test skips itself.
func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}

	// Ryuk needs a privileged socket that CI runners often lack.
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "surrealdb/surrealdb:v3.0.0-beta.1",
			ExposedPorts: []string{"8000/tcp"},
			Cmd:          []string{"start", "--log", "info", "--user", "root", "--pass", "root"},
			WaitingFor:   wait.ForLog("Started web server").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("start surrealdb container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		log.Fatalf("container host: %v", err)
	}
	// testcontainers may report "null" as host on some docker setups
	if host == "" || host == "null" {
		host = "localhost"
	}
	port, err := container.MappedPort(ctx, "8000")
	if err != nil {
		log.Fatalf("mapped port: %v", err)
	}

	testDB, err = NewClient(ctx, Config{
		URL:       fmt.Sprintf("ws://%s:%s/rpc", host, port.Port()),
		Namespace: "test",
		Database:  "test",
		Username:  "root",
		Password:  "root",
		AuthLevel: "root",
	}, nil)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	if err := testDB.InitSchema(ctx); err != nil {
		log.Fatalf("init schema: %v", err)
	}

	code := m.Run()

	_ = testDB.Close(ctx)
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func requireDB(t *testing.T) context.Context {
	t.Helper()
	if testDB == nil {
		t.Skip("skipping integration test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	require.NoError(t, testDB.WipeData(ctx))
	return ctx
}

func storedTask(id string, created time.Time) models.IngestionTask {
	return models.IngestionTask{
		TaskID:        id,
		SourceInput:   "https://news.example/" + id,
		NormalizedKey: "news.example/" + id,
		State:         models.StateProcessing,
		Stage:         models.StageExtraction,
		Preview:       &models.Preview{Title: "Story " + id, Domain: "news.example"},
		CreatedAt:     created.UTC().Truncate(time.Millisecond),
	}
}

func TestSaveAndGetTask(t *testing.T) {
	ctx := requireDB(t)

	task := storedTask("t1", time.Now())
	require.NoError(t, testDB.SaveTask(ctx, "ns", task))

	got, err := testDB.GetTask(ctx, "ns", "t1")
	require.NoError(t, err)
	assert.Equal(t, task.TaskID, got.TaskID)
	assert.Equal(t, task.NormalizedKey, got.NormalizedKey)
	assert.Equal(t, models.StageExtraction, got.Stage)
	require.NotNil(t, got.Preview)
	assert.Equal(t, "Story t1", got.Preview.Title)

	_, err = testDB.GetTask(ctx, "other", "t1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveTaskUpserts(t *testing.T) {
	ctx := requireDB(t)

	task := storedTask("t1", time.Now())
	require.NoError(t, testDB.SaveTask(ctx, "ns", task))

	task.Complete(4, time.Now())
	require.NoError(t, testDB.SaveTask(ctx, "ns", task))

	tasks, err := testDB.ListTasks(ctx, "ns")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.StateCompleted, tasks[0].State)
	require.NotNil(t, tasks[0].Result)
	assert.Equal(t, 4, tasks[0].Result.ItemsExtracted)

	counts, err := testDB.CountTasks(ctx, "ns")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[models.StateCompleted])
}

func TestListTasksOrderAndNamespace(t *testing.T) {
	ctx := requireDB(t)

	now := time.Now()
	require.NoError(t, testDB.SaveTask(ctx, "ns", storedTask("old", now.Add(-time.Minute))))
	require.NoError(t, testDB.SaveTask(ctx, "ns", storedTask("new", now)))
	require.NoError(t, testDB.SaveTask(ctx, "elsewhere", storedTask("other", now)))

	tasks, err := testDB.ListTasks(ctx, "ns")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "new", tasks[0].TaskID)
	assert.Equal(t, "old", tasks[1].TaskID)
}

func TestDeleteAndClearTasks(t *testing.T) {
	ctx := requireDB(t)

	now := time.Now()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, testDB.SaveTask(ctx, "ns", storedTask(id, now)))
	}
	require.NoError(t, testDB.SaveTask(ctx, "keep", storedTask("d", now)))

	require.NoError(t, testDB.DeleteTask(ctx, "ns", "a"))
	require.NoError(t, testDB.DeleteTask(ctx, "ns", "missing"))

	tasks, err := testDB.ListTasks(ctx, "ns")
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	require.NoError(t, testDB.ClearTasks(ctx, "ns"))
	tasks, err = testDB.ListTasks(ctx, "ns")
	require.NoError(t, err)
	assert.Empty(t, tasks)

	kept, err := testDB.ListTasks(ctx, "keep")
	require.NoError(t, err)
	assert.Len(t, kept, 1)
}

func TestPruneTasks(t *testing.T) {
	ctx := requireDB(t)

	now := time.Now()
	require.NoError(t, testDB.SaveTask(ctx, "ns", storedTask("stale1", now.Add(-time.Hour))))
	require.NoError(t, testDB.SaveTask(ctx, "ns", storedTask("stale2", now.Add(-30*time.Minute))))
	require.NoError(t, testDB.SaveTask(ctx, "ns", storedTask("fresh", now)))

	n, err := testDB.PruneTasks(ctx, "ns", now.Add(-10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	tasks, err := testDB.ListTasks(ctx, "ns")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "fresh", tasks[0].TaskID)
}
