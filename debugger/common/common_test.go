package common

import (
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
)

type CommonSuite struct{}

func TestCommon(t *testing.T) {
	suite.RunTests(t, &CommonSuite{})
}

func (CommonSuite) TestTrapCodeToKind(t *testing.T) {
	expect.Equal(t, SoftwareTrap, TrapCodeToKind(0x80))
	expect.Equal(t, HardwareTrap, TrapCodeToKind(4))
	expect.Equal(t, SingleStepTrap, TrapCodeToKind(2))

	// TRAP_BRKPT is never delivered on linux/x64; it maps to unknown along
	// with the rest of the unhandled si_code values.
	expect.Equal(t, UnknownTrap, TrapCodeToKind(1))
	expect.Equal(t, UnknownTrap, TrapCodeToKind(-6))
}

func (CommonSuite) TestAddressRange(t *testing.T) {
	ar := NewAddressRange(0x1000, 4)

	expect.Equal(t, 4, ar.Size())
	expect.True(t, ar.Contains(0x1000))
	expect.True(t, ar.Contains(0x1003))
	expect.False(t, ar.Contains(0x1004))

	expect.True(t, ar.Overlaps(NewAddressRange(0x1002, 8)))
	expect.False(t, ar.Overlaps(NewAddressRange(0x1004, 4)))

	expect.True(t, ar.Equals(NewAddressRange(0x1000, 4)))
	expect.False(t, ar.Equals(NewAddressRange(0x1000, 8)))
}
