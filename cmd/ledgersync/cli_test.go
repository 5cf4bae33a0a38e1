package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"ledgersync/internal/config"
	"ledgersync/internal/dto/resp"
	"ledgersync/internal/model"
	"ledgersync/internal/repository"
	"ledgersync/internal/service"
	v1 "ledgersync/pkg/api/v1"
	"ledgersync/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func init() {
	logger.InitLogger("test")
}

// offlineConfig writes a config with only a file-backed sqlite store.
func offlineConfig(t *testing.T) (string, config.StoreConfig) {
	t.Helper()
	dir := t.TempDir()
	store := config.StoreConfig{Driver: "sqlite", DSN: filepath.Join(dir, "queue.db")}
	body := "server:\n  environment: test\n" +
		"store:\n  driver: sqlite\n  dsn: " + store.DSN + "\n" +
		"redis:\n  addr: \"\"\n" +
		"etcd:\n  endpoints: []\n"
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path, store
}

func seedDeadLetters(t *testing.T, store config.StoreConfig, reasons ...string) {
	t.Helper()
	db, err := initDB(store, "test")
	require.NoError(t, err)
	sqlDB, _ := db.DB()
	defer sqlDB.Close()

	ctx := context.Background()
	q := repository.NewQueueRepository(db, repository.NewLocalNotifier())
	for i, reason := range reasons {
		op := &model.Operation{
			OperationID:      "op-" + string(rune('a'+i)),
			OperationType:    v1.OperationCreate,
			TargetCollection: "customers",
			DocumentID:       "doc-" + string(rune('a'+i)),
			Payload:          datatypes.JSON(`{"schema":"customer.v1","data":{}}`),
			Status:           v1.StatusInProgress,
			CreatedAt:        time.Now(),
		}
		require.NoError(t, q.Enqueue(ctx, op))
		_, err := q.MoveToDeadLetter(ctx, op, repository.DeadLetterFailure{
			Reason: reason, Kind: "network", Attempts: 5, At: time.Now(),
		})
		require.NoError(t, err)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCLI_RejectsUnknownFormat(t *testing.T) {
	_, err := execute(t, "stats", "--format", "yaml")
	assert.ErrorContains(t, err, "invalid format")
}

func TestCLI_StatsAndDeadLetters(t *testing.T) {
	path, store := offlineConfig(t)
	seedDeadLetters(t, store, "etcdserver: request timed out", "payload rejected: bad name")

	out, err := execute(t, "stats", "--config", path, "--format", "json")
	require.NoError(t, err)
	var stats v1.Stats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.EqualValues(t, 2, stats.DeadLetter)

	out, err = execute(t, "dead-letters", "list", "--config", path, "--format", "json")
	require.NoError(t, err)
	var list resp.DeadLetterList
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list.Items, 2)

	out, err = execute(t, "rescue", "--config", path, "--format", "json")
	require.NoError(t, err)
	var report service.RescueReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 2, report.Examined)
	assert.Len(t, report.Reinstated, 1)
	assert.Equal(t, 1, report.Permanent)

	permanent := list.Items[1].ID
	out, err = execute(t, "dlq", "reinstate", "--config", path, "--by", "auditor", strconv.FormatUint(permanent, 10))
	require.NoError(t, err)
	assert.Contains(t, out, "reinstated as operation")

	_, err = execute(t, "dlq", "discard", "--config", path, strconv.FormatUint(permanent, 10))
	assert.ErrorIs(t, err, repository.ErrDeadLetterResolved)

	out, err = execute(t, "dead-letters", "list", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "no dead letters")

	out, err = execute(t, "stats", "--config", path)
	require.NoError(t, err)
	assert.Regexp(t, `pending\s+2`, out)
}

func TestCLI_InvalidDeadLetterID(t *testing.T) {
	path, _ := offlineConfig(t)
	_, err := execute(t, "dead-letters", "discard", "--config", path, "abc")
	assert.ErrorContains(t, err, "invalid dead letter id")
}

