package worker

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docflowhq/docflow/pkg/archive"
	"github.com/docflowhq/docflow/pkg/types"
)

func writeTestZip(t *testing.T, dir string, entries map[string]string) string {
	t.Helper()

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range entries {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	path := filepath.Join(dir, "upload.zip")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0600))
	return path
}

func newArchiveFixture(t *testing.T) (*fakeStore, *fakeBroker, *ArchiveHandler, string) {
	t.Helper()
	st := newFakeStore()
	broker := newFakeBroker()
	dataDir := t.TempDir()
	h := NewArchiveHandler(st, broker, archive.NewExtractor(archive.DefaultLimits()), ArchiveConfig{
		DataDir: dataDir,
	})
	return st, broker, h, dataDir
}

func TestArchiveFanOut(t *testing.T) {
	st, broker, h, dataDir := newArchiveFixture(t)

	zipPath := writeTestZip(t, dataDir, map[string]string{
		"invoice.pdf": "pdf bytes",
		"notes.txt":   "notes",
		"virus.exe":   "MZ",
	})

	parent := &types.Task{
		UserID:  "user-1",
		Type:    types.TaskTypeArchive,
		FileURL: LocalScheme + zipPath,
		Options: types.Options{EnableVectorization: true, StoragePolicy: types.StoragePolicyTemporary},
	}
	require.NoError(t, st.CreateTask(parent))

	outcome, err := h.Handle(context.Background(), parent, types.Message{ID: "m1", TaskID: parent.ID, CorrelationID: "corr-1"})
	require.NoError(t, err)
	require.NotNil(t, outcome)

	var results types.ArchiveResults
	require.NoError(t, json.Unmarshal(outcome.Results, &results))
	assert.Equal(t, 3, results.Total)
	assert.Equal(t, 2, results.Valid)
	assert.Equal(t, 1, results.Invalid)
	require.Len(t, results.InvalidFiles, 1)
	assert.Equal(t, "virus.exe", results.InvalidFiles[0].Name)
	assert.Equal(t, "Disallowed file type", results.InvalidFiles[0].Error)

	// Children exist, inherit options, and are enqueued on the parse queue
	children, err := st.ListChildren(parent.ID)
	require.NoError(t, err)
	require.Len(t, children, 2)
	for _, child := range children {
		assert.Equal(t, types.TaskTypeParse, child.Type)
		assert.Equal(t, "user-1", child.UserID)
		assert.True(t, child.Options.EnableVectorization)
		assert.Contains(t, results.ChildIDs, child.ID)

		files, err := st.ListFilesByTask(child.ID)
		require.NoError(t, err)
		require.Len(t, files, 1)
		assert.Equal(t, types.StoragePolicyTemporary, files[0].StoragePolicy)
		require.NotNil(t, files[0].ExpiresAt)
	}
	require.Len(t, broker.enqueued[types.QueueParse], 2)
	for _, msg := range broker.enqueued[types.QueueParse] {
		assert.Equal(t, "corr-1", msg.CorrelationID)
		var args types.ParseArgs
		require.NoError(t, json.Unmarshal(msg.Args, &args))
		assert.Equal(t, types.SourceArchiveExtraction, args.Source)
	}

	// Extraction-directory cleanup is scheduled as a delayed follow-up
	require.Len(t, outcome.FollowUps, 1)
	fu := outcome.FollowUps[0]
	assert.Equal(t, types.QueueCleanup, fu.Queue)
	assert.Equal(t, extractionCleanupDelay, fu.Delay)
	cleanupArgs := fu.Args.(types.CleanupArgs)
	assert.Equal(t, types.CleanupModeExtraction, cleanupArgs.Mode)
	assert.Equal(t, parent.ID, cleanupArgs.ParentID)
	assert.DirExists(t, cleanupArgs.ExtractionDir)
}

func TestArchiveRedeliverySkipsFanOut(t *testing.T) {
	st, broker, h, dataDir := newArchiveFixture(t)

	zipPath := writeTestZip(t, dataDir, map[string]string{"a.pdf": "x"})
	parent := &types.Task{UserID: "user-1", Type: types.TaskTypeArchive, FileURL: LocalScheme + zipPath}
	require.NoError(t, st.CreateTask(parent))

	_, err := h.Handle(context.Background(), parent, types.Message{ID: "m1", TaskID: parent.ID})
	require.NoError(t, err)
	firstChildren, err := st.ListChildren(parent.ID)
	require.NoError(t, err)
	firstEnqueues := len(broker.enqueued[types.QueueParse])

	// Redelivery must not create a second batch
	outcome, err := h.Handle(context.Background(), parent, types.Message{ID: "m2", TaskID: parent.ID})
	require.NoError(t, err)

	children, err := st.ListChildren(parent.ID)
	require.NoError(t, err)
	assert.Len(t, children, len(firstChildren))
	assert.Len(t, broker.enqueued[types.QueueParse], firstEnqueues)

	var results types.ArchiveResults
	require.NoError(t, json.Unmarshal(outcome.Results, &results))
	assert.Len(t, results.ChildIDs, len(firstChildren))
}

func TestArchiveInvalidZipFails(t *testing.T) {
	st, _, h, dataDir := newArchiveFixture(t)

	path := filepath.Join(dataDir, "not.zip")
	require.NoError(t, os.WriteFile(path, []byte("not a zip"), 0600))

	parent := &types.Task{UserID: "user-1", Type: types.TaskTypeArchive, FileURL: LocalScheme + path}
	require.NoError(t, st.CreateTask(parent))

	_, err := h.Handle(context.Background(), parent, types.Message{ID: "m1", TaskID: parent.ID})
	require.Error(t, err)
	assert.Equal(t, KindSecurity, Classify(err).Kind)
}

func TestArchiveMissingFile(t *testing.T) {
	st, _, h, _ := newArchiveFixture(t)

	parent := &types.Task{UserID: "user-1", Type: types.TaskTypeArchive, FileURL: "local:///nope/gone.zip"}
	require.NoError(t, st.CreateTask(parent))

	_, err := h.Handle(context.Background(), parent, types.Message{ID: "m1", TaskID: parent.ID})
	var he *HandlerError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, KindNotFound, he.Kind)
}

func TestArchiveNoFileURL(t *testing.T) {
	st, _, h, _ := newArchiveFixture(t)

	parent := &types.Task{UserID: "user-1", Type: types.TaskTypeArchive}
	require.NoError(t, st.CreateTask(parent))

	_, err := h.Handle(context.Background(), parent, types.Message{ID: "m1", TaskID: parent.ID})
	var he *HandlerError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, KindValidation, he.Kind)
}
