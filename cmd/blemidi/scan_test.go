package main

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/srg/blemidi"
	"github.com/stretchr/testify/suite"
)

type ScanCmdTestSuite struct {
	CommandTestSuite
}

func (s *ScanCmdTestSuite) TestTableListsMIDIPeripheralsOnly() {
	out, err := s.ExecuteCommand("scan", "--duration", "20ms")
	s.Require().NoError(err)

	s.Contains(out, "NAME")
	s.Contains(out, "Stage Piano")
	s.Contains(out, pianoAddress)
	s.Contains(out, "-48 dBm")
	s.NotContains(out, "Heart Rate")
}

func (s *ScanCmdTestSuite) TestJSONWithAll() {
	out, err := s.ExecuteCommand("scan", "--duration", "20ms", "--all", "--format", "json")
	s.Require().NoError(err)

	var views []peripheralView
	s.Require().NoError(json.Unmarshal([]byte(out), &views))
	s.Require().Len(views, 2)

	s.Equal("Stage Piano", views[0].Name)
	s.True(views[0].MIDI)
	s.Equal([]string{"03B80E5A-EDE8-4B33-A751-6CE34EC4C700"}, views[0].Services)
	s.Equal("Heart Rate", views[1].Name)
	s.False(views[1].MIDI)
}

func (s *ScanCmdTestSuite) TestNoDevices() {
	out, err := s.ExecuteCommand("scan", "--duration", "20ms", "--name-prefix", "Drum")
	s.Require().NoError(err)
	s.Contains(out, "No devices discovered")
}

func (s *ScanCmdTestSuite) TestErrors() {
	_, err := s.ExecuteCommand("scan", "--format", "xml")
	s.ErrorContains(err, "invalid format")

	_, err = s.ExecuteCommand("scan", "--duration", "0s")
	s.Error(err)

	s.Stack.AdaptersErr = errors.New("hci0: permission denied")
	_, err = s.ExecuteCommand("scan", "--duration", "20ms")
	s.ErrorIs(err, blemidi.ErrAdapterUnavailable)

	s.Stack.AdaptersErr = nil
	s.Stack.Adapter = nil
	_, err = s.ExecuteCommand("scan", "--duration", "20ms")
	s.ErrorIs(err, blemidi.ErrAdapterUnavailable)
}

func TestScanCmdTestSuite(t *testing.T) {
	suite.Run(t, new(ScanCmdTestSuite))
}
