package ptyio

import (
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/srg/blemidi/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestPTY(t *testing.T, opts Options) PTY {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = testutils.NewTestHelper(t).Logger
	}
	p, err := Open(opts)
	if err != nil {
		t.Skipf("pseudo-terminals unavailable: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func openSlave(t *testing.T, path string) *os.File {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR|syscall.O_NOCTTY, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestSlaveBytesReachCallback(t *testing.T) {
	p := openTestPTY(t, Options{PollTimeout: 10 * time.Millisecond})

	var mu sync.Mutex
	var got []byte
	p.SetReadCallback(func(data []byte) {
		mu.Lock()
		got = append(got, data...)
		mu.Unlock()
	})

	slave := openSlave(t, p.TTYName())
	_, err := slave.Write([]byte{0x90, 0x3C, 0x64})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []byte{0x90, 0x3C, 0x64}, got)
	mu.Unlock()
	assert.Equal(t, uint64(3), p.Stats().ReadBytesTotal)
}

func TestWriteReachesSlave(t *testing.T) {
	p := openTestPTY(t, Options{PollTimeout: 10 * time.Millisecond})
	slave := openSlave(t, p.TTYName())

	n, err := p.Write([]byte{0xB0, 0x07, 0x7F})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	buf := make([]byte, 16)
	require.NoError(t, slave.SetReadDeadline(time.Now().Add(2*time.Second)))
	read, err := slave.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xB0, 0x07, 0x7F}, buf[:read])
}

func TestReadWithoutDataIsEAGAIN(t *testing.T) {
	p := openTestPTY(t, Options{})

	_, err := p.Read(make([]byte, 8))
	assert.ErrorIs(t, err, syscall.EAGAIN)

	n, err := p.Read(nil)
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestWriteOverflowDropsBytes(t *testing.T) {
	p := openTestPTY(t, Options{WriteCap: 4, PollTimeout: 10 * time.Millisecond})

	// nobody has the slave open for reading, but the tty buffer absorbs the
	// first bytes; send enough at once to overflow the ring
	n, err := p.Write(make([]byte, 16))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, uint64(12), p.Stats().DroppedWriteCount)
}

func TestSymlink(t *testing.T) {
	link := filepath.Join(t.TempDir(), "midi")
	p := openTestPTY(t, Options{Symlink: link})

	assert.Equal(t, link, p.Path())
	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, p.TTYName(), target)

	require.NoError(t, p.Close())
	_, err = os.Lstat(link)
	assert.True(t, os.IsNotExist(err), "symlink removed on close")
}

func TestSymlinkRefusesRegularFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "midi")
	require.NoError(t, os.WriteFile(path, []byte("keep"), 0o600))

	err := linkSlave(path, "/dev/pts/999")
	require.Error(t, err)

	data, readErr := os.ReadFile(path)
	require.NoError(t, readErr)
	assert.Equal(t, "keep", string(data))
}

func TestCloseIsIdempotent(t *testing.T) {
	p := openTestPTY(t, Options{PollTimeout: 10 * time.Millisecond})

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	_, err := p.Write([]byte{0xF8})
	assert.ErrorIs(t, err, os.ErrClosed)
	_, err = p.Read(make([]byte, 1))
	assert.ErrorIs(t, err, os.ErrClosed)
}
