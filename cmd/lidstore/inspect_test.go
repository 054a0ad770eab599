package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chaitin/lidstore"
	"github.com/chaitin/lidstore/internal/chunk"
	"github.com/chaitin/lidstore/internal/cidtable"
	"github.com/chaitin/lidstore/internal/metrics"
	"github.com/chaitin/lidstore/pkg/chunkid"
)

func TestInspect(t *testing.T) {
	assert := assert.New(t)
	allocator := lidstore.New(1, nil, lidstore.WithLogger(zap.NewNop()))
	allocator.GetConsecutive(make([]chunkid.LID, 10))
	assert.True(allocator.Put(3))
	assert.True(allocator.Put(4))
	assert.True(allocator.Put(10))

	path := filepath.Join(t.TempDir(), "lidstore.dump")
	require.NoError(t, dump(path, allocator))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(int64(allocator.Sizeof()), info.Size())

	run := func(ranges bool) string {
		inspectRanges = ranges
		defer func() { inspectRanges = false }()
		var out bytes.Buffer
		inspectCmd.SetOut(&out)
		require.NoError(t, inspectCmd.RunE(inspectCmd, []string{path}))
		return out.String()
	}
	entries := run(false)
	assert.Contains(entries, "highest lid: 0xa\n")
	assert.Contains(entries, "free lids:   3 (3 spare, 0 zombies)\n")
	assert.Contains(entries, "run(3,2)\nsingle(10)\n")
	assert.Contains(run(true), "[3,4]\n[10,10]\n")

	// A corrupt dump is refused.
	require.NoError(t, os.WriteFile(path, []byte{0, 0, 0}, 0o644))
	assert.Error(inspectCmd.RunE(inspectCmd, []string{path}))
}

func TestRouter(t *testing.T) {
	assert := assert.New(t)
	table, err := cidtable.New(1, 64)
	require.NoError(t, err)
	defer func() { assert.NoError(table.Close()) }()
	manager := chunk.New(table, lidstore.New(1, table))
	_, err = manager.Create(3)
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	require.NoError(t, registry.Register(
		metrics.New(manager.NodeID(), manager)))
	router := newRouter("run", manager, registry, zap.NewNop().Sugar())

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(
		http.MethodGet, "/status", nil))
	assert.Equal(http.StatusOK, recorder.Code)
	var report statusReport
	require.NoError(t, json.NewDecoder(recorder.Body).Decode(&report))
	assert.Equal(statusReport{
		Run:        "run",
		Node:       "0x0001",
		HighestLID: 3,
		Capacity:   lidstore.DefaultCapacity,
		Chunks:     3,
	}, report)

	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(
		http.MethodGet, "/metrics", nil))
	assert.Equal(http.StatusOK, recorder.Code)
	assert.Contains(recorder.Body.String(),
		`lidstore_chunks{node="0x0001"} 3`)

	recorder = httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(
		http.MethodPost, "/status", nil))
	assert.Equal(http.StatusMethodNotAllowed, recorder.Code)
}
