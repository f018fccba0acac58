package scanner_test

import (
	"context"
	"testing"
	"time"

	"github.com/srg/blemidi"
	"github.com/srg/blemidi/internal/device"
	"github.com/srg/blemidi/internal/testutils"
	"github.com/srg/blemidi/scanner"
	"github.com/stretchr/testify/suite"
)

type ScannerTestSuite struct {
	suite.Suite

	helper *testutils.TestHelper

	adv1, adv2, adv3 device.Advertisement
	adapter          *testutils.FakeAdapter
}

func (s *ScannerTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())

	s.adv1 = testutils.NewAdvertisementBuilder().
		WithAddress("AA:BB:CC:DD:EE:FF").
		WithName("Test Device 1").
		WithRSSI(-45).
		WithServices("180F", "1800").
		Build()

	s.adv2 = testutils.NewAdvertisementBuilder().
		WithAddress("11:22:33:44:55:66").
		WithName("Piano BLE").
		WithRSSI(-67).
		WithServices(blemidi.MIDIServiceUUID).
		Build()

	// Add a third device that won't match most test conditions
	s.adv3 = testutils.NewAdvertisementBuilder().
		WithAddress("99:88:77:66:55:44").
		WithName("Test Device 3").
		WithRSSI(-80).
		WithServices("1802").
		Build()

	s.adapter = testutils.NewFakeAdapter().WithAdvertisements(s.adv1, s.adv2, s.adv3)
}

func (s *ScannerTestSuite) scan(opts *scanner.ScanOptions) []scanner.Peripheral {
	if opts.Duration == 0 {
		opts.Duration = 50 * time.Millisecond
	}
	sc := scanner.NewScanner(s.helper.Logger)
	found, err := sc.Scan(context.Background(), s.adapter, opts, nil)
	s.Require().NoError(err)
	return found
}

func addresses(ps []scanner.Peripheral) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.Address)
	}
	return out
}

func (s *ScannerTestSuite) TestDefaultScanOptions() {
	opts := scanner.DefaultScanOptions()

	s.NotNil(opts)
	s.Equal(10*time.Second, opts.Duration)
	s.Nil(opts.ServiceUUIDs)
	s.Nil(opts.AllowList)
	s.Nil(opts.BlockList)
}

func (s *ScannerTestSuite) TestScannerFiltering() {
	tests := []struct {
		name     string
		opts     *scanner.ScanOptions
		expected []string
	}{
		{
			name:     "includes all devices with no filters",
			opts:     &scanner.ScanOptions{},
			expected: []string{s.adv1.Address, s.adv2.Address, s.adv3.Address},
		},
		{
			name:     "excludes device on block list",
			opts:     &scanner.ScanOptions{BlockList: []string{s.adv1.Address}},
			expected: []string{s.adv2.Address, s.adv3.Address},
		},
		{
			name:     "allow list is case-insensitive",
			opts:     &scanner.ScanOptions{AllowList: []string{"aa:bb:cc:dd:ee:ff"}},
			expected: []string{s.adv1.Address},
		},
		{
			name:     "service filter keeps MIDI peripheral",
			opts:     &scanner.ScanOptions{ServiceUUIDs: []string{blemidi.MIDIServiceUUID}},
			expected: []string{s.adv2.Address},
		},
		{
			name:     "short service UUID matches",
			opts:     &scanner.ScanOptions{ServiceUUIDs: []string{"180f"}},
			expected: []string{s.adv1.Address},
		},
		{
			name:     "name prefix",
			opts:     &scanner.ScanOptions{NamePrefix: "Test"},
			expected: []string{s.adv1.Address, s.adv3.Address},
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.Equal(tt.expected, addresses(s.scan(tt.opts)))
		})
	}
}

func (s *ScannerTestSuite) TestDuplicatesMergedInFirstSeenOrder() {
	// GOAL: Repeated reports of one advertiser collapse into a single entry
	//
	// TEST SCENARIO: adv2 reports twice, the second time as a scan response with only
	// the name changed and no services → one entry, first-seen position, services kept
	again := testutils.NewAdvertisementBuilder().
		WithAddress(s.adv2.Address).
		WithName("Piano BLE 2").
		WithRSSI(-60).
		Build()
	s.adapter.WithAdvertisements(again)

	found := s.scan(&scanner.ScanOptions{})
	s.Require().Len(found, 3)
	s.Equal([]string{s.adv1.Address, s.adv2.Address, s.adv3.Address}, addresses(found))

	piano := found[1]
	s.Equal("Piano BLE 2", piano.Name)
	s.Equal(-60, piano.RSSI)
	s.Equal(2, piano.Seen)
	s.True(piano.HasService(blemidi.MIDIServiceUUID))
}

func (s *ScannerTestSuite) TestEventsTap() {
	sc := scanner.NewScanner(s.helper.Logger)
	_, err := sc.Scan(context.Background(), s.adapter, &scanner.ScanOptions{Duration: 20 * time.Millisecond}, nil)
	s.Require().NoError(err)

	var got []scanner.DeviceEvent
	for len(got) < 3 {
		select {
		case ev := <-sc.Events():
			got = append(got, ev)
		case <-time.After(time.Second):
			s.FailNow("expected three discovery events")
		}
	}
	for _, ev := range got {
		s.Equal(scanner.EventNew, ev.Type)
	}
}

func (s *ScannerTestSuite) TestProgressPhases() {
	var phases []string
	sc := scanner.NewScanner(nil)
	_, err := sc.Scan(context.Background(), s.adapter, &scanner.ScanOptions{Duration: 10 * time.Millisecond}, func(p string) {
		phases = append(phases, p)
	})
	s.Require().NoError(err)
	s.Equal([]string{"Scanning", "Processing results"}, phases)
}

func (s *ScannerTestSuite) TestParentCancellation() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := scanner.NewScanner(s.helper.Logger).Scan(ctx, s.adapter, &scanner.ScanOptions{Duration: time.Second}, nil)
	s.ErrorIs(err, context.Canceled)
}

func (s *ScannerTestSuite) TestAdapterFailure() {
	s.adapter.ScanErr = testutils.ErrFake
	_, err := scanner.NewScanner(s.helper.Logger).Scan(context.Background(), s.adapter, nil, nil)
	s.ErrorIs(err, testutils.ErrFake)
}

func TestScannerTestSuite(t *testing.T) {
	suite.Run(t, new(ScannerTestSuite))
}
