package disasm

import (
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"

	. "github.com/pattyshack/rda/debugger/common"
)

type DisasmSuite struct{}

func TestDisasm(t *testing.T) {
	suite.RunTests(t, &DisasmSuite{})
}

func (DisasmSuite) TestStoreClassifiesAsWrite(t *testing.T) {
	// mov qword ptr [rax], rbx
	mode, err := ClassifyAccess([]byte{0x48, 0x89, 0x18})
	expect.Nil(t, err)
	expect.Equal(t, WriteMode, mode)

	// mov byte ptr [rdi], 0x2a
	mode, err = ClassifyAccess([]byte{0xc6, 0x07, 0x2a})
	expect.Nil(t, err)
	expect.Equal(t, WriteMode, mode)

	// add dword ptr [rcx], eax
	mode, err = ClassifyAccess([]byte{0x01, 0x01})
	expect.Nil(t, err)
	expect.Equal(t, WriteMode, mode)
}

func (DisasmSuite) TestLoadClassifiesAsReadWrite(t *testing.T) {
	// mov rbx, qword ptr [rax]
	mode, err := ClassifyAccess([]byte{0x48, 0x8b, 0x18})
	expect.Nil(t, err)
	expect.Equal(t, ReadWriteMode, mode)

	// cmp only reads its memory operand.
	// cmp qword ptr [rax], rbx
	mode, err = ClassifyAccess([]byte{0x48, 0x39, 0x18})
	expect.Nil(t, err)
	expect.Equal(t, ReadWriteMode, mode)

	// test byte ptr [rdi], 0x1
	mode, err = ClassifyAccess([]byte{0xf6, 0x07, 0x01})
	expect.Nil(t, err)
	expect.Equal(t, ReadWriteMode, mode)
}

func (DisasmSuite) TestRegisterOnlyClassifiesAsReadWrite(t *testing.T) {
	// mov rax, rbx touches no memory; the trap must have come from
	// somewhere else, report the permissive mode.
	mode, err := ClassifyAccess([]byte{0x48, 0x89, 0xd8})
	expect.Nil(t, err)
	expect.Equal(t, ReadWriteMode, mode)
}

func (DisasmSuite) TestPushClassifiesAsWrite(t *testing.T) {
	// push rax stores through rsp.
	mode, err := ClassifyAccess([]byte{0x50})
	expect.Nil(t, err)
	expect.Equal(t, WriteMode, mode)
}

func (DisasmSuite) TestUndecodableClassifiesAsReadWrite(t *testing.T) {
	mode, err := ClassifyAccess([]byte{0xff, 0xff, 0xff})
	expect.Nil(t, err)
	expect.Equal(t, ReadWriteMode, mode)
}

func (DisasmSuite) TestEmptyCodeRejected(t *testing.T) {
	_, err := ClassifyAccess(nil)
	expect.Error(t, err, "no instruction bytes")
}
