package packet

import (
	"testing"

	"github.com/stretchr/testify/suite"
)

type FramerTestSuite struct {
	suite.Suite
	framer *Framer
}

func (s *FramerTestSuite) SetupTest() {
	s.framer = NewFramer()
}

func (s *FramerTestSuite) TestCompleteMessages() {
	// GOAL: Verify whole channel messages in one chunk are split per message
	//
	// TEST SCENARIO: Feed note-on + program change + note-off → three events in order
	got := s.framer.Feed([]byte{0x90, 0x3C, 0x64, 0xC1, 0x05, 0x80, 0x3C, 0x00})

	s.Equal([]RawEvent{
		{0x90, 0x3C, 0x64},
		{0xC1, 0x05},
		{0x80, 0x3C, 0x00},
	}, got)
}

func (s *FramerTestSuite) TestSplitAcrossFeeds() {
	// GOAL: Verify partial messages are kept between Feed calls
	//
	// TEST SCENARIO: Feed status → nothing; feed data → one event
	s.Empty(s.framer.Feed([]byte{0xB0, 0x07}))
	s.Equal([]RawEvent{{0xB0, 0x07, 0x7F}}, s.framer.Feed([]byte{0x7F}))
}

func (s *FramerTestSuite) TestRunningStatus() {
	// GOAL: Verify data bytes after a complete message reuse the last channel status
	//
	// TEST SCENARIO: Feed one note-on status followed by two key/velocity pairs → two note-ons
	got := s.framer.Feed([]byte{0x92, 0x40, 0x7F, 0x43, 0x7F})

	s.Equal([]RawEvent{
		{0x92, 0x40, 0x7F},
		{0x92, 0x43, 0x7F},
	}, got)
}

func (s *FramerTestSuite) TestRealTimeInterleaving() {
	// GOAL: Verify real-time bytes are emitted immediately without breaking the message in progress
	//
	// TEST SCENARIO: Clock byte between note-on status and data → clock first, then note-on
	got := s.framer.Feed([]byte{0x90, 0x3C, 0xF8, 0x64})

	s.Equal([]RawEvent{
		{0xF8},
		{0x90, 0x3C, 0x64},
	}, got)
}

func (s *FramerTestSuite) TestDataWithoutStatusIsDropped() {
	s.Empty(s.framer.Feed([]byte{0x3C, 0x64}))
}

func (s *FramerTestSuite) TestSystemCommonClearsRunningStatus() {
	// GOAL: Verify system common messages end running status
	//
	// TEST SCENARIO: Note-on, tune request, stray data → note-on and tune request only
	got := s.framer.Feed([]byte{0x90, 0x3C, 0x64, 0xF6, 0x3C, 0x64})

	s.Equal([]RawEvent{
		{0x90, 0x3C, 0x64},
		{0xF6},
	}, got)
}

func (s *FramerTestSuite) TestSongPosition() {
	s.Equal([]RawEvent{{0xF2, 0x10, 0x20}}, s.framer.Feed([]byte{0xF2, 0x10, 0x20}))
}

func (s *FramerTestSuite) TestSysEx() {
	// GOAL: Verify a SysEx message is emitted as a single event including its terminator
	//
	// TEST SCENARIO: Feed F0 ... F7 split over two chunks → one event
	s.Empty(s.framer.Feed([]byte{0xF0, 0x7E, 0x7F}))
	s.Equal([]RawEvent{{0xF0, 0x7E, 0x7F, 0x09, 0x01, 0xF7}}, s.framer.Feed([]byte{0x09, 0x01, 0xF7}))
}

func (s *FramerTestSuite) TestSysExOverflowDropped() {
	// GOAL: Verify SysEx longer than MaxSysEx is discarded and the framer recovers
	//
	// TEST SCENARIO: MaxSysEx=4, feed a 6-byte SysEx then a note-on → only the note-on
	s.framer.MaxSysEx = 4
	got := s.framer.Feed([]byte{0xF0, 0x01, 0x02, 0x03, 0x04, 0xF7, 0x90, 0x3C, 0x64})

	s.Equal([]RawEvent{{0x90, 0x3C, 0x64}}, got)
}

func (s *FramerTestSuite) TestUnterminatedSysExAbortedByStatus() {
	got := s.framer.Feed([]byte{0xF0, 0x01, 0x02, 0x90, 0x3C, 0x64})

	s.Equal([]RawEvent{{0x90, 0x3C, 0x64}}, got)
}

func (s *FramerTestSuite) TestReset() {
	s.framer.Feed([]byte{0x90, 0x3C})
	s.framer.Reset()

	s.Empty(s.framer.Feed([]byte{0x64}))
}

func TestFramerTestSuite(t *testing.T) {
	suite.Run(t, new(FramerTestSuite))
}
