package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestBufferAccounting(t *testing.T) {
	alive := testutil.ToFloat64(BuffersAlive)
	bytes := testutil.ToFloat64(BufferBytes)
	RecordBufferAllocated(1024)
	RecordBufferAllocated(16)
	require.Equal(t, alive+2, testutil.ToFloat64(BuffersAlive))
	require.Equal(t, bytes+1040, testutil.ToFloat64(BufferBytes))
	RecordBufferReleased(1024)
	RecordBufferReleased(16)
	require.Equal(t, alive, testutil.ToFloat64(BuffersAlive))
	require.Equal(t, bytes, testutil.ToFloat64(BufferBytes))
}

func TestRecordDispatch(t *testing.T) {
	before := testutil.ToFloat64(Dispatches.WithLabelValues(ModeThreadgroups))
	RecordDispatch(ModeThreadgroups)
	require.Equal(t, before+1, testutil.ToFloat64(Dispatches.WithLabelValues(ModeThreadgroups)))
	RecordDispatchDuration("square", 3*time.Millisecond)
}

func TestWriteTextfile(t *testing.T) {
	RecordCompileFailure()
	RecordHarnessOperands(3)
	path := filepath.Join(t.TempDir(), "kernelrt.prom")
	require.NoError(t, WriteTextfile(path))
	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(contents)
	for _, name := range []string{"kernelrt_compile_failures_total", "kernelrt_harness_operands_total", "kernelrt_buffers_alive"} {
		require.True(t, strings.Contains(text, name), "missing %s in:\n%s", name, text)
	}

	require.Error(t, WriteTextfile(filepath.Join(t.TempDir(), "missing", "dir", "kernelrt.prom")))
}
