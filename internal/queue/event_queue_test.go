package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/srg/blemidi"
	"github.com/srg/blemidi/internal/packet"
	"github.com/stretchr/testify/suite"
)

type EventQueueTestSuite struct {
	suite.Suite
	ctx    context.Context
	cancel context.CancelFunc
}

func (s *EventQueueTestSuite) SetupTest() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 5*time.Second)
}

func (s *EventQueueTestSuite) TearDownTest() {
	s.cancel()
}

func (s *EventQueueTestSuite) TestDefaultCapacity() {
	s.Equal(DefaultCapacity, NewEventQueue(0).Cap())
	s.Equal(8, NewEventQueue(8).Cap())
}

func (s *EventQueueTestSuite) TestFIFOOrder() {
	// GOAL: Verify events come out in the order they were sent
	//
	// TEST SCENARIO: Send three events into a capacity-3 queue → receive all three in order
	q := NewEventQueue(3)
	events := []packet.RawEvent{{0x90, 0x3C, 0x64}, {0x80, 0x3C, 0x00}, {0xF8}}
	for _, ev := range events {
		s.Require().NoError(q.Send(s.ctx, ev))
	}

	for _, want := range events {
		got, err := q.Receive(s.ctx)
		s.Require().NoError(err)
		s.Equal(want, got)
	}
	s.Equal(int64(3), q.Metrics().Received)
}

func (s *EventQueueTestSuite) TestSendBlocksWhenFull() {
	// GOAL: Verify a producer blocks while the queue is full and resumes after a receive
	//
	// TEST SCENARIO: Fill capacity-1 queue → second Send blocks → Receive → second Send completes
	q := NewEventQueue(1)
	s.Require().NoError(q.Send(s.ctx, packet.RawEvent{0x01}))

	sent := make(chan error, 1)
	go func() {
		sent <- q.Send(s.ctx, packet.RawEvent{0x02})
	}()

	select {
	case <-sent:
		s.FailNow("send must block while queue is full")
	case <-time.After(50 * time.Millisecond):
	}

	first, err := q.Receive(s.ctx)
	s.Require().NoError(err)
	s.Equal(packet.RawEvent{0x01}, first)

	select {
	case err := <-sent:
		s.NoError(err)
	case <-time.After(time.Second):
		s.FailNow("blocked send did not resume")
	}

	second, err := q.Receive(s.ctx)
	s.Require().NoError(err)
	s.Equal(packet.RawEvent{0x02}, second)
	s.GreaterOrEqual(q.Metrics().BlockedSends, int64(1))
}

func (s *EventQueueTestSuite) TestSendCanceled() {
	q := NewEventQueue(1)
	s.Require().NoError(q.Send(s.ctx, packet.RawEvent{0x01}))

	ctx, cancel := context.WithTimeout(s.ctx, 20*time.Millisecond)
	defer cancel()
	err := q.Send(ctx, packet.RawEvent{0x02})
	s.ErrorIs(err, context.DeadlineExceeded)
}

func (s *EventQueueTestSuite) TestCloseDrainsThenReportsSourceClosed() {
	// GOAL: Verify buffered events survive Close and the consumer then sees SourceClosed
	//
	// TEST SCENARIO: Send two → Close → receive two → third Receive fails with SourceClosed
	q := NewEventQueue(2)
	s.Require().NoError(q.Send(s.ctx, packet.RawEvent{0x01}))
	s.Require().NoError(q.Send(s.ctx, packet.RawEvent{0x02}))
	q.Close()
	q.Close()

	for _, want := range []packet.RawEvent{{0x01}, {0x02}} {
		got, err := q.Receive(s.ctx)
		s.Require().NoError(err)
		s.Equal(want, got)
	}

	_, err := q.Receive(s.ctx)
	s.True(errors.Is(err, blemidi.ErrSourceClosed))
}

func (s *EventQueueTestSuite) TestSendAfterClose() {
	q := NewEventQueue(1)
	q.Close()

	s.ErrorIs(q.Send(s.ctx, packet.RawEvent{0x01}), ErrQueueClosed)
	s.True(q.Closed())
	s.Equal(int64(1), q.Metrics().RejectedSends)
}

func (s *EventQueueTestSuite) TestCloseWakesBlockedReceiver() {
	q := NewEventQueue(1)

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Receive(s.ctx)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		s.True(errors.Is(err, blemidi.ErrSourceClosed))
	case <-time.After(time.Second):
		s.FailNow("receiver was not woken by Close")
	}
}

func (s *EventQueueTestSuite) TestCloseWakesBlockedSender() {
	q := NewEventQueue(1)
	s.Require().NoError(q.Send(s.ctx, packet.RawEvent{0x01}))

	errCh := make(chan error, 1)
	go func() {
		errCh <- q.Send(s.ctx, packet.RawEvent{0x02})
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		s.ErrorIs(err, ErrQueueClosed)
	case <-time.After(time.Second):
		s.FailNow("sender was not woken by Close")
	}
}

func (s *EventQueueTestSuite) TestSingleConsumer() {
	// GOAL: Verify a second concurrent Receive is rejected instead of competing for events
	//
	// TEST SCENARIO: Start a blocked Receive → second Receive fails immediately → first still gets the event
	q := NewEventQueue(1)

	var wg sync.WaitGroup
	wg.Add(1)
	var got packet.RawEvent
	var gotErr error
	go func() {
		defer wg.Done()
		got, gotErr = q.Receive(s.ctx)
	}()

	s.Eventually(func() bool { return q.receiving.Load() }, time.Second, time.Millisecond)

	_, err := q.Receive(s.ctx)
	s.ErrorIs(err, ErrConcurrentReceive)

	s.Require().NoError(q.Send(s.ctx, packet.RawEvent{0x7F}))
	wg.Wait()
	s.NoError(gotErr)
	s.Equal(packet.RawEvent{0x7F}, got)
}

func (s *EventQueueTestSuite) TestReceiveCanceled() {
	q := NewEventQueue(1)
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()

	_, err := q.Receive(ctx)
	s.ErrorIs(err, context.Canceled)

	// guard is released after a canceled receive
	s.Require().NoError(q.Send(s.ctx, packet.RawEvent{0x01}))
	_, err = q.Receive(s.ctx)
	s.NoError(err)
}

func TestEventQueueTestSuite(t *testing.T) {
	suite.Run(t, new(EventQueueTestSuite))
}
