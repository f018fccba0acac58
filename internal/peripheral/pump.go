package peripheral

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/blemidi/internal/packet"
	"github.com/srg/blemidi/internal/source"
)

// PumpMetrics provides lock-free counters for the inbound sink pump.
type PumpMetrics struct {
	Delivered   int64 // events handed to the sink
	Failed      int64 // sink deliveries that returned an error
	Overwritten int64 // events lost because the ring was full
}

const (
	pumpStateNotRunning uint32 = iota
	pumpStateRunning
	pumpStateStopping

	// maxInboundBuffer guards against accidental misconfiguration.
	maxInboundBuffer uint32 = 64 * 1024
)

// sinkPump decouples ATT write handling from the local sink: decoded events
// go into an overlapped ring (oldest dropped when full) drained by a single
// goroutine, so a slow sink never delays a response to a central.
type sinkPump struct {
	sink   source.Sink
	logger *logrus.Logger
	buffer mpmc.RichOverlappedRingBuffer[packet.RawEvent]
	wake   chan struct{}
	stop   chan struct{}
	done   chan struct{}

	state   uint32
	metrics PumpMetrics
}

func newSinkPump(sink source.Sink, size uint32, logger *logrus.Logger) (*sinkPump, error) {
	if sink == nil {
		return nil, fmt.Errorf("sink cannot be nil")
	}
	if size == 0 {
		return nil, fmt.Errorf("buffer size must be > 0")
	}
	if size > maxInboundBuffer {
		return nil, fmt.Errorf("buffer size %d exceeds maximum %d", size, maxInboundBuffer)
	}
	return &sinkPump{
		sink:   sink,
		logger: logger,
		buffer: mpmc.NewOverlappedRingBuffer[packet.RawEvent](size),
		wake:   make(chan struct{}, 1),
	}, nil
}

// Start launches the drain goroutine.
func (p *sinkPump) Start() error {
	if !atomic.CompareAndSwapUint32(&p.state, pumpStateNotRunning, pumpStateRunning) {
		return fmt.Errorf("sink pump is already running")
	}
	p.stop = make(chan struct{})
	p.done = make(chan struct{})

	go func() {
		defer func() {
			close(p.done)
			atomic.StoreUint32(&p.state, pumpStateNotRunning)
		}()
		for {
			select {
			case <-p.stop:
				p.drain() // deliver what was accepted before stop
				return
			case <-p.wake:
				p.drain()
			}
		}
	}()
	return nil
}

// Push enqueues ev without blocking.
func (p *sinkPump) Push(ev packet.RawEvent) error {
	overwrites, err := p.buffer.EnqueueM(ev)
	if err != nil {
		return fmt.Errorf("unexpected buffer.Enqueue error: %w", err)
	}
	if overwrites > 0 {
		atomic.AddInt64(&p.metrics.Overwritten, int64(overwrites))
		p.logger.WithField("dropped", overwrites).Warn("Inbound MIDI buffer full, dropped oldest events")
	}
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

func (p *sinkPump) drain() {
	for !p.buffer.IsEmpty() {
		ev, err := p.buffer.Dequeue()
		if err != nil {
			return
		}
		if err := p.sink.Deliver(ev); err != nil {
			atomic.AddInt64(&p.metrics.Failed, 1)
			p.logger.WithError(err).Warn("Failed to deliver inbound MIDI event")
			continue
		}
		atomic.AddInt64(&p.metrics.Delivered, 1)
	}
}

// Stop ends the drain goroutine after delivering what is buffered.
func (p *sinkPump) Stop() error {
	if !atomic.CompareAndSwapUint32(&p.state, pumpStateRunning, pumpStateStopping) {
		if atomic.LoadUint32(&p.state) == pumpStateNotRunning {
			return nil
		}
	} else {
		close(p.stop)
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(5 * time.Second):
		<-p.done
		return fmt.Errorf("sink pump stop exceeded 5s timeout")
	}
}

// Metrics returns a copy of the current counters.
func (p *sinkPump) Metrics() PumpMetrics {
	return PumpMetrics{
		Delivered:   atomic.LoadInt64(&p.metrics.Delivered),
		Failed:      atomic.LoadInt64(&p.metrics.Failed),
		Overwritten: atomic.LoadInt64(&p.metrics.Overwritten),
	}
}
