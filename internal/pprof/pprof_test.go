package pprof

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigEnabled(t *testing.T) {
	assert.False(t, Config{}.Enabled())
	assert.True(t, Config{HTTPAddr: "127.0.0.1:0"}.Enabled())
	assert.True(t, Config{HeapProfile: "heap.out"}.Enabled())
}

func TestProfilesWrittenOnStop(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		CPUProfile:   filepath.Join(dir, "cpu", "cpu.out"),
		HeapProfile:  filepath.Join(dir, "heap.out"),
		MutexProfile: filepath.Join(dir, "mutex.out"),
	}

	p := New(cfg)
	require.NoError(t, p.Start())
	assert.Nil(t, p.Addr())
	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())

	for _, path := range []string{cfg.CPUProfile, cfg.HeapProfile, cfg.MutexProfile} {
		info, err := os.Stat(path)
		require.NoError(t, err, path)
		assert.Greater(t, info.Size(), int64(0), path)
	}
}

func TestDebugServer(t *testing.T) {
	p := New(Config{HTTPAddr: "127.0.0.1:0"})
	require.NoError(t, p.Start())
	defer p.Stop()

	addr := p.Addr()
	require.NotNil(t, addr)

	resp, err := http.Get("http://" + addr.String() + "/debug/pprof/goroutine?debug=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "goroutine")

	require.NoError(t, p.Stop())
	assert.Nil(t, p.Addr())
}

func TestStartTwice(t *testing.T) {
	p := New(Config{})
	require.NoError(t, p.Start())
	assert.Error(t, p.Start())
	require.NoError(t, p.Stop())
}

func TestStopWithoutStart(t *testing.T) {
	assert.NoError(t, New(Config{HeapProfile: filepath.Join(t.TempDir(), "heap.out")}).Stop())
}
