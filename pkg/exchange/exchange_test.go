package exchange

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaybridge/relaybridge/pkg/logger"
)

func TestNewDirsCreatesTree(t *testing.T) {
	base := t.TempDir()
	dirs, err := NewDirs(filepath.Join(base, "relay"))
	require.NoError(t, err)

	for _, dir := range []string{dirs.Outgoing, dirs.Incoming, dirs.RawContent, dirs.Cache} {
		info, err := os.Stat(dir)
		require.NoError(t, err, dir)
		assert.True(t, info.IsDir(), dir)
	}
}

func TestLocalChannelPutGetRemove(t *testing.T) {
	peer := t.TempDir()
	local := t.TempDir()
	ch := NewLocalChannel(peer)

	src := filepath.Join(local, "req_1.json")
	require.NoError(t, os.WriteFile(src, []byte(`{"id":"1"}`), 0o644))
	require.NoError(t, ch.Put(src, "outgoing/req_1.json"))

	data, err := os.ReadFile(filepath.Join(peer, "outgoing", "req_1.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"id":"1"}`, string(data))

	fetched, err := ch.Get("outgoing/req_*.json", local)
	require.NoError(t, err)
	require.Len(t, fetched, 1)
	assert.Equal(t, filepath.Join(local, "req_1.json"), fetched[0])

	require.NoError(t, ch.Remove("outgoing/req_1.json"))
	_, err = os.Stat(filepath.Join(peer, "outgoing", "req_1.json"))
	assert.True(t, os.IsNotExist(err))

	// Removing twice is not an error.
	assert.NoError(t, ch.Remove("outgoing/req_1.json"))
}

func TestLocalChannelGetEmptyPattern(t *testing.T) {
	ch := NewLocalChannel(t.TempDir())
	fetched, err := ch.Get("outgoing/req_*.json", t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, fetched)
}

func TestLocalChannelRun(t *testing.T) {
	ch := NewLocalChannel(t.TempDir())

	code, stdout, _, err := ch.Run("echo hello")
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "hello")

	code, _, _, err = ch.Run("exit 3")
	require.NoError(t, err)
	assert.Equal(t, 3, code)
}

func TestChannelConnectivity(t *testing.T) {
	ch := NewLocalChannel(t.TempDir())
	assert.NoError(t, Test(ch))
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "'/tmp/relay/outgoing'", shellQuote("/tmp/relay/outgoing"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
}

func TestSweeperRemovesAgedArtifacts(t *testing.T) {
	dirs, err := NewDirs(t.TempDir())
	require.NoError(t, err)

	write := func(dir, name string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
		return path
	}
	staleReq := write(dirs.Outgoing, "req_old.json")
	staleResp := write(dirs.Incoming, "resp_old.json")
	staleRaw := write(dirs.RawContent, "content_old_1.img")

	// Raw content outlives descriptors, so five minutes kills the
	// descriptors but spares the content file.
	s := NewSweeper(dirs, 0, logger.NewNop())
	removed := s.SweepOnce(time.Now().Add(5 * time.Minute))
	assert.Equal(t, 2, removed)

	_, err = os.Stat(staleReq)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(staleResp)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(staleRaw)
	assert.NoError(t, err)

	removed = s.SweepOnce(time.Now().Add(15 * time.Minute))
	assert.Equal(t, 1, removed)
	_, err = os.Stat(staleRaw)
	assert.True(t, os.IsNotExist(err))
}

func TestSweeperSparesFreshFiles(t *testing.T) {
	dirs, err := NewDirs(t.TempDir())
	require.NoError(t, err)
	path := filepath.Join(dirs.Incoming, "resp_live.json")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	s := NewSweeper(dirs, 0, logger.NewNop())
	assert.Equal(t, 0, s.SweepOnce(time.Now()))
	_, err = os.Stat(path)
	assert.NoError(t, err)
}
