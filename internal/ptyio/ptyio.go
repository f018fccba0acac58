// Package ptyio provides a pseudo-terminal whose master side is serviced by
// background goroutines through byte rings, so the slave can act as a
// virtual serial MIDI port (ttymidi style) for other programs.
//
// # Basic Usage
//
//	p, err := ptyio.Open(ptyio.Options{Symlink: "/tmp/blemidi", Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//
//	p.SetReadCallback(func(data []byte) { framer.Feed(data) })
//	_, _ = p.Write([]byte{0x90, 0x3C, 0x64})
//
// # Poll Timeout
//
// PollTimeout bounds how long the loops sit in poll(2) before checking for
// shutdown. It is the upper bound of Close latency while idle; it has no
// effect on latency while bytes are flowing.
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/blemidi/internal/groutine"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// ErrorCallback is invoked at most once per loop when the read or write
// loop stops on an unrecoverable error. It runs on a background goroutine.
type ErrorCallback func(err error)

// ReadCallback receives bytes written by the slave side. It runs on the
// dispatcher goroutine and must not retain data.
type ReadCallback func(data []byte)

// Options configures Open.
type Options struct {
	ReadCap     int           `default:"4096"` // bytes buffered from the slave
	WriteCap    int           `default:"4096"` // bytes buffered towards the slave
	PollTimeout time.Duration `default:"50ms"`

	// Symlink, when set, is created pointing at the slave device and
	// removed on Close.
	Symlink string

	Logger  *logrus.Logger
	OnError ErrorCallback
}

// PTY is a non-blocking pseudo-terminal master.
type PTY interface {
	io.ReadWriteCloser
	Stats() Stats
	TTYName() string // slave device, e.g. /dev/pts/5
	Path() string    // Symlink when set, otherwise TTYName
	SetReadCallback(cb ReadCallback)
}

// Stats provides runtime counters.
type Stats struct {
	WriteQueueLen int32
	WriteQueueCap int32
	ReadQueueLen  int32
	ReadQueueCap  int32

	DroppedWriteCount uint64 // bytes lost to write ring overflow
	DroppedReadCount  uint64 // bytes lost to read ring overflow
	ReadBytesTotal    uint64
	WriteBytesTotal   uint64
}

const chunkSize = 4096

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

type ringPTY struct {
	logger  *logrus.Logger
	master  *os.File
	slave   *os.File // kept open so the slave node stays valid between peers
	ttyName string
	symlink string
	poll    int // poll timeout, ms
	onError ErrorCallback

	readErrOnce  sync.Once
	writeErrOnce sync.Once

	writeBuf *ringbuffer.RingBuffer
	readBuf  *ringbuffer.RingBuffer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	readCb      atomic.Pointer[ReadCallback]
	readNotify  chan struct{}
	writeNotify chan struct{}
	closed      atomic.Bool

	droppedWrite atomic.Uint64
	droppedRead  atomic.Uint64
	readBytes    atomic.Uint64
	writeBytes   atomic.Uint64
}

// Open creates a raw-mode pseudo-terminal pair and starts servicing the master.
func Open(opts Options) (PTY, error) {
	defaults.SetDefaults(&opts)
	if opts.ReadCap <= 0 || opts.WriteCap <= 0 {
		return nil, fmt.Errorf("ring capacities must be positive (read=%d, write=%d)", opts.ReadCap, opts.WriteCap)
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger
	}

	master, slave, err := createPTY()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &ringPTY{
		logger:      logger,
		master:      master,
		slave:       slave,
		ttyName:     slave.Name(),
		poll:        int(opts.PollTimeout / time.Millisecond),
		onError:     opts.OnError,
		writeBuf:    ringbuffer.New(opts.WriteCap),
		readBuf:     ringbuffer.New(opts.ReadCap),
		ctx:         ctx,
		cancel:      cancel,
		readNotify:  make(chan struct{}, 1),
		writeNotify: make(chan struct{}, 1),
	}
	if p.poll <= 0 {
		p.poll = 1
	}

	if opts.Symlink != "" {
		if err := linkSlave(opts.Symlink, p.ttyName); err != nil {
			cancel()
			_ = master.Close()
			_ = slave.Close()
			return nil, err
		}
		p.symlink = opts.Symlink
	}

	p.wg.Add(3)
	groutine.Go(ctx, "pty-read-loop", func(context.Context) { p.readLoop() })
	groutine.Go(ctx, "pty-write-loop", func(context.Context) { p.writeLoop() })
	groutine.Go(ctx, "pty-dispatcher", func(context.Context) { p.dispatch() })

	logger.WithFields(logrus.Fields{"tty": p.ttyName, "symlink": p.symlink}).Info("Virtual MIDI port created")
	return p, nil
}

// linkSlave points path at tty, replacing a stale symlink but never a
// regular file.
func linkSlave(path, tty string) error {
	if fi, err := os.Lstat(path); err == nil {
		if fi.Mode()&os.ModeSymlink == 0 {
			return fmt.Errorf("refusing to replace %s: not a symlink", path)
		}
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove stale symlink %s: %w", path, err)
		}
	}
	if err := os.Symlink(tty, path); err != nil {
		return fmt.Errorf("failed to link %s to %s: %w", path, tty, err)
	}
	return nil
}

func (p *ringPTY) fail(once *sync.Once, err error) {
	p.logger.WithError(err).Warn("PTY loop stopped")
	if p.onError != nil {
		once.Do(func() { p.onError(err) })
	}
}

func (p *ringPTY) writeLoop() {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorf("pty write loop panicked (recovered): %v", r)
		}
		p.wg.Done()
	}()

	master := p.master
	pollFd := []unix.PollFd{{Fd: int32(master.Fd()), Events: unix.POLLOUT}}
	buf := make([]byte, chunkSize)

	for p.ctx.Err() == nil {
		if p.writeBuf.IsEmpty() {
			select {
			case <-p.ctx.Done():
				return
			case <-p.writeNotify:
			}
			continue
		}

		n, err := p.writeBuf.TryRead(buf)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			p.logger.WithError(err).Warn("PTY write ring read failed")
			continue
		}

		for off := 0; off < n; {
			w, err := master.Write(buf[off:n])
			if w > 0 {
				off += w
				p.writeBytes.Add(uint64(w))
			}
			if err == nil {
				continue
			}
			switch {
			case errors.Is(err, syscall.EINTR):
			case errors.Is(err, syscall.EAGAIN):
				if _, perr := unix.Poll(pollFd, p.poll); perr != nil && !errors.Is(perr, syscall.EINTR) {
					p.logger.WithError(perr).Warn("PTY write poll failed")
				}
				if p.ctx.Err() != nil {
					return
				}
			case errors.Is(err, os.ErrClosed), errors.Is(err, syscall.EBADF):
				return
			default:
				p.fail(&p.writeErrOnce, fmt.Errorf("pty write: %w", err))
				return
			}
		}
	}
}

func (p *ringPTY) readLoop() {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorf("pty read loop panicked (recovered): %v", r)
		}
		p.wg.Done()
	}()

	master := p.master
	pollFd := []unix.PollFd{{Fd: int32(master.Fd()), Events: unix.POLLIN}}
	buf := make([]byte, chunkSize)

	for p.ctx.Err() == nil {
		ready, err := unix.Poll(pollFd, p.poll)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			p.logger.WithError(err).Warn("PTY read poll failed")
			continue
		}
		if ready == 0 {
			continue
		}

		n, err := master.Read(buf)
		if n > 0 {
			w, werr := p.readBuf.Write(buf[:n])
			if werr != nil && w == 0 && !errors.Is(werr, ringbuffer.ErrIsFull) {
				p.logger.WithError(werr).Warn("PTY read ring write failed")
			}
			if w < n {
				p.droppedRead.Add(uint64(n - w))
				p.logger.WithFields(logrus.Fields{"dropped": n - w, "received": n}).Warn("PTY read ring full, dropped bytes")
			}
			p.readBytes.Add(uint64(w))
			if w > 0 {
				select {
				case p.readNotify <- struct{}{}:
				default:
				}
			}
		}

		if err != nil {
			switch {
			case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
			case errors.Is(err, os.ErrClosed), errors.Is(err, syscall.EBADF):
				return
			case errors.Is(err, io.EOF):
				p.logger.Debug("PTY read loop reached EOF")
				return
			default:
				p.fail(&p.readErrOnce, fmt.Errorf("pty read: %w", err))
				return
			}
		}
	}
}

// dispatch hands buffered slave bytes to the read callback in bounded batches.
func (p *ringPTY) dispatch() {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorf("pty dispatcher panicked (recovered): %v", r)
		}
		p.wg.Done()
	}()

	const maxChunks = 16
	tmp := make([]byte, chunkSize)

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.readNotify:
		}

		for p.ctx.Err() == nil {
			cb := p.readCb.Load()
			if cb == nil {
				break
			}
			chunks := 0
			for ; chunks < maxChunks; chunks++ {
				n, err := p.readBuf.TryRead(tmp)
				if n == 0 || errors.Is(err, ringbuffer.ErrIsEmpty) {
					break
				}
				p.deliver(*cb, tmp[:n])
			}
			if chunks == 0 || p.readBuf.IsEmpty() {
				break
			}
			runtime.Gosched()
		}
	}
}

// deliver runs cb, unregistering it if it panics.
func (p *ringPTY) deliver(cb ReadCallback, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorf("PTY read callback panicked: %v", r)
			p.readCb.Store(nil)
			p.fail(&p.readErrOnce, fmt.Errorf("pty read callback panic: %v", r))
		}
	}()
	cb(data)
}

// Write queues data for the slave without blocking. When the ring is full
// only a prefix is queued and n reports how much.
func (p *ringPTY) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}
	// a partial write reports the overflow as an error; n is what counts
	n, err := p.writeBuf.Write(data)
	if err != nil && n == 0 && !errors.Is(err, ringbuffer.ErrIsFull) {
		return 0, err
	}
	if n < len(data) {
		p.droppedWrite.Add(uint64(len(data) - n))
		p.logger.WithFields(logrus.Fields{"dropped": len(data) - n, "queued": n}).Warn("PTY write ring full, dropped bytes")
	}
	if n > 0 {
		select {
		case p.writeNotify <- struct{}{}:
		default:
		}
	}
	return n, nil
}

// Read copies buffered slave bytes without blocking. It returns
// syscall.EAGAIN when nothing is buffered.
func (p *ringPTY) Read(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(b) == 0 {
		return 0, nil
	}
	n, err := p.readBuf.TryRead(b)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		return 0, err
	}
	if n == 0 {
		return 0, syscall.EAGAIN
	}
	return n, nil
}

// SetReadCallback installs cb, or removes it when nil. Bytes already
// buffered are delivered to the new callback.
func (p *ringPTY) SetReadCallback(cb ReadCallback) {
	if p.closed.Load() {
		return
	}
	if cb == nil {
		p.readCb.Store(nil)
		return
	}
	p.readCb.Store(&cb)
	select {
	case p.readNotify <- struct{}{}:
	default:
	}
}

func (p *ringPTY) TTYName() string {
	return p.ttyName
}

func (p *ringPTY) Path() string {
	if p.symlink != "" {
		return p.symlink
	}
	return p.ttyName
}

func (p *ringPTY) Stats() Stats {
	return Stats{
		WriteQueueLen:     int32(p.writeBuf.Length()),
		WriteQueueCap:     int32(p.writeBuf.Capacity()),
		ReadQueueLen:      int32(p.readBuf.Length()),
		ReadQueueCap:      int32(p.readBuf.Capacity()),
		DroppedWriteCount: p.droppedWrite.Load(),
		DroppedReadCount:  p.droppedRead.Load(),
		ReadBytesTotal:    p.readBytes.Load(),
		WriteBytesTotal:   p.writeBytes.Load(),
	}
}

// Close stops the loops, closes both descriptors and removes the symlink.
func (p *ringPTY) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()

	var errs []error
	if err := p.master.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close pty master: %w", err))
	}
	if err := p.slave.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close pty slave: %w", err))
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	timeout := 3*time.Duration(p.poll)*time.Millisecond + time.Second
	select {
	case <-done:
	case <-time.After(timeout):
		p.logger.WithField("tty", p.ttyName).Errorf("PTY loops did not exit within %s", timeout)
	}

	if p.symlink != "" {
		if target, err := os.Readlink(p.symlink); err == nil && target == p.ttyName {
			if err := os.Remove(p.symlink); err != nil {
				errs = append(errs, fmt.Errorf("remove symlink %s: %w", p.symlink, err))
			}
		}
	}
	return errors.Join(errs...)
}

// createPTY opens a pair, puts the slave in raw mode and the master in
// non-blocking mode.
func createPTY() (master, slave *os.File, err error) {
	master, slave, err = pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}

	cleanup := func(cause error) error {
		var errs []error
		if cerr := master.Close(); cerr != nil {
			errs = append(errs, fmt.Errorf("close pty master: %w", cerr))
		}
		if cerr := slave.Close(); cerr != nil {
			errs = append(errs, fmt.Errorf("close pty slave: %w", cerr))
		}
		return errors.Join(append([]error{cause}, errs...)...)
	}

	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return nil, nil, cleanup(fmt.Errorf("failed to set %s to raw mode: %w", slave.Name(), err))
	}
	if err := syscall.SetNonblock(int(master.Fd()), true); err != nil {
		return nil, nil, cleanup(fmt.Errorf("failed to set %s master to non-blocking mode: %w", slave.Name(), err))
	}
	return master, slave, nil
}
