package config

import (
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
	"github.com/sirupsen/logrus"

	"github.com/pattyshack/rda/debugger/debugregs"
)

type ConfigSuite struct{}

func TestConfig(t *testing.T) {
	suite.RunTests(t, &ConfigSuite{})
}

func (ConfigSuite) TestParse(t *testing.T) {
	config, err := Parse([]byte(`
log_level: debug
architectures:
  arm64:
    hw_breakpoint_slots: 6
    watchpoint_slots: 2
`))
	expect.Nil(t, err)
	expect.Equal(t, logrus.DebugLevel, config.Level())

	hwBreakpointSlots, watchpointSlots := config.SlotCounts(debugregs.Arm64)
	expect.Equal(t, 6, hwBreakpointSlots)
	expect.Equal(t, 2, watchpointSlots)
}

func (ConfigSuite) TestEmptyConfig(t *testing.T) {
	config, err := Parse([]byte(""))
	expect.Nil(t, err)
	expect.Equal(t, logrus.InfoLevel, config.Level())

	hwBreakpointSlots, watchpointSlots := config.SlotCounts(debugregs.X64)
	expect.Equal(t, debugregs.DefaultSlotCount, hwBreakpointSlots)
	expect.Equal(t, debugregs.DefaultSlotCount, watchpointSlots)
}

func (ConfigSuite) TestPartialArchConfigFallsBack(t *testing.T) {
	config, err := Parse([]byte(`
architectures:
  arm64:
    watchpoint_slots: 2
`))
	expect.Nil(t, err)

	hwBreakpointSlots, watchpointSlots := config.SlotCounts(debugregs.Arm64)
	expect.Equal(t, debugregs.DefaultSlotCount, hwBreakpointSlots)
	expect.Equal(t, 2, watchpointSlots)
}

func (ConfigSuite) TestUnknownFieldRejected(t *testing.T) {
	_, err := Parse([]byte("log_leve1: debug\n"))
	expect.Error(t, err, "failed to parse config")
}

func (ConfigSuite) TestInvalidLogLevel(t *testing.T) {
	_, err := Parse([]byte("log_level: loud\n"))
	expect.Error(t, err, "invalid log level (loud)")
}

func (ConfigSuite) TestInvalidSlotCounts(t *testing.T) {
	_, err := Parse([]byte(`
architectures:
  arm64:
    watchpoint_slots: 17
`))
	expect.Error(t, err, "invalid arm64 watchpoint slot count (17)")

	// x64 counts are architectural and cannot be overridden.
	_, err = Parse([]byte(`
architectures:
  x64:
    hw_breakpoint_slots: 8
`))
	expect.Error(t, err, "invalid config for architecture x64")

	_, err = Parse([]byte(`
architectures:
  riscv:
    hw_breakpoint_slots: 4
`))
	expect.Error(t, err, "unsupported architecture (riscv)")
}

func (ConfigSuite) TestNewAllocator(t *testing.T) {
	config, err := Parse([]byte(`
architectures:
  arm64:
    hw_breakpoint_slots: 16
    watchpoint_slots: 16
`))
	expect.Nil(t, err)

	allocator, err := config.NewAllocator(debugregs.Arm64)
	expect.Nil(t, err)
	expect.Equal(t, 16, allocator.HWBreakpointSlotCount())
	expect.Equal(t, 16, allocator.WatchpointSlotCount())
}
