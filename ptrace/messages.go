package ptrace

type opType string

const (
	attachOp     = opType("attach")
	detachOp     = opType("detach")
	resumeOp     = opType("resume")
	stopOp       = opType("stop")
	waitStopOp   = opType("waitStop")
	setOptionsOp = opType("setOptions")
	getRegsOp    = opType("getRegs")
	peekUserOp   = opType("peekUser")
	pokeUserOp   = opType("pokeUser")
	readMemoryOp = opType("readMemory")
	getSigInfoOp = opType("getSigInfo")
)

type request struct {
	opType

	tgid int // thread group (process) id
	tid  int // target thread id

	signal int // resume

	options Options // set options

	regs *UserRegs // get regs

	offset       uintptr // peek/poke user area
	registerData uintptr // poke user area

	addr uintptr // read memory
	data []byte  // read memory

	responseChan chan response
}

type response struct {
	registerData uintptr // peek user area

	count int // read memory

	sigInfo *SigInfo // get sig info

	err error
}
