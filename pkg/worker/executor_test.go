package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardquery/shardquery/pkg/storage"
	"github.com/shardquery/shardquery/pkg/types"
)

// startTestStorage boots a real storage engine behind a loopback listener
// and returns a StorageClient dialed against it, so the executor's CREATE,
// TRUNCATE, TAG, COMMIT and DELETE paths (which bypass PagedMemory and talk
// to the engine directly) run against genuine behavior rather than a stub.
func startTestStorage(t *testing.T) *StorageClient {
	t.Helper()
	engine, err := storage.Fresh(storage.Config{
		DataDir:   t.TempDir(),
		FSSize:    256 * 1024,
		BlockSize: 512,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { engine.Close() })

	srv := storage.NewServer("127.0.0.1:0", engine, zerolog.Nop())
	require.NoError(t, srv.Listen())
	go srv.Serve()

	sc, err := DialStorage(srv.Addr().String(), "test-worker")
	require.NoError(t, err)
	t.Cleanup(func() { sc.Close() })
	return sc
}

func writeScript(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.txt")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

type recordingReporter struct {
	notices []uint32
	results []wireReadResult
}

type wireReadResult struct {
	queryID uint32
	ft      types.FileTag
	data    []byte
}

func (r *recordingReporter) ReportReadNotice(queryID uint32) error {
	r.notices = append(r.notices, queryID)
	return nil
}

func (r *recordingReporter) ReportReadResult(queryID uint32, ft types.FileTag, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	r.results = append(r.results, wireReadResult{queryID: queryID, ft: ft, data: cp})
	return nil
}

func newExecutor(t *testing.T, sc *StorageClient) *Executor {
	t.Helper()
	mem := NewPagedMemory(PolicyClockM, 4, int(sc.BlockSize), sc, zerolog.Nop())
	return NewExecutor(mem, sc, zerolog.Nop())
}

func TestExecutorCreateWriteReadCommitRoundTrip(t *testing.T) {
	sc := startTestStorage(t)
	ex := newExecutor(t, sc)

	script := writeScript(t,
		"CREATE doc:BASE",
		"TRUNCATE doc:BASE 1024",
		"WRITE doc:BASE 0 hello world",
		"READ doc:BASE 0 11",
		"COMMIT doc:BASE",
		"END",
	)

	reporter := &recordingReporter{}
	outcome, pc, err := ex.Run(1, 0, script, nil, reporter)
	require.NoError(t, err)
	assert.Equal(t, Ended, outcome)
	assert.Equal(t, int32(5), pc)

	require.Len(t, reporter.results, 1)
	assert.Equal(t, "hello world", string(reporter.results[0].data))
	require.Len(t, reporter.notices, 1)
	assert.Equal(t, uint32(1), reporter.notices[0])
}

func TestExecutorReadRejectsWrongArgumentCount(t *testing.T) {
	sc := startTestStorage(t)
	ex := newExecutor(t, sc)

	script := writeScript(t,
		"CREATE doc:BASE",
		"TRUNCATE doc:BASE 512",
		"READ doc:BASE 0",
		"END",
	)

	reporter := &recordingReporter{}
	outcome, pc, err := ex.Run(1, 0, script, nil, reporter)
	// READ is non-critical: a malformed instruction logs and execution
	// continues to the next line rather than aborting the script.
	require.NoError(t, err)
	assert.Equal(t, Ended, outcome)
	assert.Equal(t, int32(3), pc)
	assert.Empty(t, reporter.results, "malformed READ must not reach execRead's body")
}

func TestExecutorCriticalErrorAbortsScript(t *testing.T) {
	sc := startTestStorage(t)
	ex := newExecutor(t, sc)

	// TAG across different files is rejected before ever reaching storage,
	// and TAG is in the critical set, so the script must stop at that line.
	script := writeScript(t,
		"CREATE a:BASE",
		"TAG a:BASE b:DERIVED",
		"END",
	)

	outcome, pc, err := ex.Run(1, 0, script, nil, nil)
	require.Error(t, err)
	assert.Equal(t, Errored, outcome)
	assert.Equal(t, int32(1), pc)
}

func TestExecutorNonCriticalErrorContinuesScript(t *testing.T) {
	sc := startTestStorage(t)
	ex := newExecutor(t, sc)

	// WRITE against a file that was never created/truncated fails, but
	// WRITE is non-critical, so the script proceeds to END.
	script := writeScript(t,
		"WRITE nosuch:BASE 0 data",
		"END",
	)

	outcome, pc, err := ex.Run(1, 0, script, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Ended, outcome)
	assert.Equal(t, int32(1), pc)
}

func TestExecutorEvictionStopsBetweenInstructions(t *testing.T) {
	sc := startTestStorage(t)
	ex := newExecutor(t, sc)

	script := writeScript(t,
		"CREATE doc:BASE",
		"TRUNCATE doc:BASE 512",
		"COMMIT doc:BASE",
		"END",
	)

	evictCh := make(chan struct{}, 1)
	evictCh <- struct{}{}

	outcome, pc, err := ex.Run(1, 0, script, evictCh, nil)
	require.NoError(t, err)
	assert.Equal(t, Evicted, outcome)
	assert.Equal(t, int32(0), pc, "eviction is checked before the first instruction at pcStart")
}

func TestExecutorResumesFromMidScriptPC(t *testing.T) {
	sc := startTestStorage(t)
	ex := newExecutor(t, sc)

	ft := types.FileTag{File: "doc", Tag: "BASE"}
	// Lines 0-1 ran on a previous dispatch (possibly a different worker,
	// whose page cache this Executor does not share); set up the storage
	// side state directly and resume from pc=2 against an Executor with no
	// memory of the preceding CREATE/TRUNCATE.
	_, err := sc.Create(0, ft)
	require.NoError(t, err)
	_, err = sc.Truncate(0, ft, 512)
	require.NoError(t, err)

	script := writeScript(t,
		"CREATE doc:BASE",
		"TRUNCATE doc:BASE 512",
		"WRITE doc:BASE 0 resumed",
		"READ doc:BASE 0 7",
		"END",
	)

	reporter := &recordingReporter{}
	outcome, pc, err := ex.Run(1, 2, script, nil, reporter)
	require.NoError(t, err)
	assert.Equal(t, Ended, outcome)
	assert.Equal(t, int32(4), pc)
	require.Len(t, reporter.results, 1)
	assert.Equal(t, "resumed", string(reporter.results[0].data))
}

func TestExecutorDeleteRejectsInitialFile(t *testing.T) {
	sc := startTestStorage(t)
	ex := newExecutor(t, sc)

	script := writeScript(t,
		fmt.Sprintf("DELETE %s", types.InitialFile),
		"END",
	)

	outcome, pc, err := ex.Run(1, 0, script, nil, nil)
	require.Error(t, err)
	assert.Equal(t, Errored, outcome)
	assert.Equal(t, int32(0), pc)
}

func TestExecutorDeleteDropsCachedPages(t *testing.T) {
	sc := startTestStorage(t)
	ex := newExecutor(t, sc)

	script := writeScript(t,
		"CREATE doc:BASE",
		"TRUNCATE doc:BASE 512",
		"WRITE doc:BASE 0 cached",
		"DELETE doc:BASE",
		"END",
	)

	outcome, _, err := ex.Run(1, 0, script, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, Ended, outcome)

	ft := types.FileTag{File: "doc", Tag: "BASE"}
	assert.NotContains(t, ex.memory.tables, ft)
}
