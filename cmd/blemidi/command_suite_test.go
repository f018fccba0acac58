package main

import (
	"bytes"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/srg/blemidi"
	"github.com/srg/blemidi/internal/device"
	"github.com/srg/blemidi/internal/devicefactory"
	"github.com/srg/blemidi/internal/source"
	"github.com/srg/blemidi/internal/testutils"
	"github.com/srg/blemidi/pkg/config"
	"github.com/stretchr/testify/suite"
)

const pianoAddress = "11:22:33:44:55:66"

// CommandTestSuite swaps the stack and source factories for fakes and runs
// commands through rootCmd. All cmd/blemidi command suites embed it.
type CommandTestSuite struct {
	suite.Suite

	Source *testutils.FakeSource
	Stack  *testutils.FakeStack
	Conn   *testutils.FakeConnection
	Char   *testutils.FakeRemoteCharacteristic
	PStack *testutils.FakePeripheralStack

	// SourceKinds records the kinds passed to the source factory.
	SourceKinds []string
	Backends    []string
	Progress    *testutils.SafeBuffer

	origStackFactory      func(string, *logrus.Logger) (device.Stack, error)
	origPeripheralFactory func(*logrus.Logger, time.Duration) (device.PeripheralStack, error)
	origSourceFactory     func(config.SourceConfig, *logrus.Logger) (source.Source, error)
}

func (s *CommandTestSuite) SetupTest() {
	color.NoColor = true

	s.Source = testutils.NewFakeSource("Keyboard", "Pads")
	s.Conn, s.Char = testutils.NewMIDIConnection(blemidi.MIDIServiceUUID, blemidi.MIDICharacteristicUUID)
	s.Stack = testutils.NewFakeStack()
	s.Stack.Adapter.
		WithAdvertisements(
			testutils.NewAdvertisementBuilder().
				WithAddress(pianoAddress).
				WithName("Stage Piano").
				WithRSSI(-48).
				WithServices(blemidi.MIDIServiceUUID).
				Build(),
			testutils.NewAdvertisementBuilder().
				WithAddress("AA:BB:CC:DD:EE:FF").
				WithName("Heart Rate").
				WithRSSI(-70).
				WithServices("180d").
				Build()).
		WithPeripheral(pianoAddress, s.Conn)
	s.PStack = testutils.NewFakePeripheralStack(true)
	s.SourceKinds = nil
	s.Backends = nil
	s.Progress = &testutils.SafeBuffer{}

	s.origStackFactory = devicefactory.StackFactory
	s.origPeripheralFactory = devicefactory.PeripheralFactory
	s.origSourceFactory = sourceFactory

	devicefactory.StackFactory = func(backend string, _ *logrus.Logger) (device.Stack, error) {
		s.Backends = append(s.Backends, backend)
		return s.Stack, nil
	}
	devicefactory.PeripheralFactory = func(*logrus.Logger, time.Duration) (device.PeripheralStack, error) {
		return s.PStack, nil
	}
	sourceFactory = func(cfg config.SourceConfig, _ *logrus.Logger) (source.Source, error) {
		s.SourceKinds = append(s.SourceKinds, cfg.Kind)
		return s.Source, nil
	}
	progressOutput = s.Progress
}

func (s *CommandTestSuite) TearDownTest() {
	devicefactory.StackFactory = s.origStackFactory
	devicefactory.PeripheralFactory = s.origPeripheralFactory
	sourceFactory = s.origSourceFactory
	progressOutput = os.Stdout
	_ = s.PStack.Close()
	resetFlags(rootCmd)
}

// ExecuteCommand runs rootCmd with args and returns its output and error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	defer resetFlags(rootCmd)
	err := rootCmd.Execute()
	return buf.String(), err
}

// ExecuteAsync runs ExecuteCommand on a goroutine.
func (s *CommandTestSuite) ExecuteAsync(args ...string) <-chan error {
	done := make(chan error, 1)
	go func() {
		_, err := s.ExecuteCommand(args...)
		done <- err
	}()
	return done
}

// Wait returns the command result or fails the test after a few seconds.
func (s *CommandTestSuite) Wait(done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		s.FailNow("command did not finish")
		return nil
	}
}

// resetFlags restores every flag of cmd and its children to its default and
// clears Changed, so package-level flag state does not leak between tests.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}
