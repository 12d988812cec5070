package wire

// Opcode identifies the request kind on the front-matter of every
// parameter-server message. It determines both the payload shape and the
// handler that will process it - see paramserver's dispatch table.
type Opcode uint32

const (
	SendLRGradient    Opcode = 0
	SendMFGradient    Opcode = 1
	GetLRFullModel    Opcode = 2
	GetMFFullModel    Opcode = 3
	GetLRSparseModel  Opcode = 4
	GetMFSparseModel  Opcode = 5
	SetTaskStatus     Opcode = 6
	GetTaskStatus     Opcode = 7
	GetNumConns       Opcode = 8
	GetLastTimeError  Opcode = 9
	GetAllTimeError   Opcode = 10
	GetNumUpdates     Opcode = 11
	RegisterTask      Opcode = 12
	DeregisterTask    Opcode = 13
	SetValue          Opcode = 14
	GetValue          Opcode = 15
	KillSignal        Opcode = 16
)

// SizePrefixed reports whether a request of this opcode carries a
// payload_size:u32 frame before its body. Spec §4.1 frames only these four
// variable-payload opcodes this way; every other opcode's body, if it has
// one, is a fixed width or self-describing and is read directly off the
// wire with no size prefix.
func (o Opcode) SizePrefixed() bool {
	switch o {
	case SendLRGradient, SendMFGradient, GetLRSparseModel, GetMFSparseModel:
		return true
	default:
		return false
	}
}

func (o Opcode) String() string {
	switch o {
	case SendLRGradient:
		return "SEND_LR_GRADIENT"
	case SendMFGradient:
		return "SEND_MF_GRADIENT"
	case GetLRFullModel:
		return "GET_LR_FULL_MODEL"
	case GetMFFullModel:
		return "GET_MF_FULL_MODEL"
	case GetLRSparseModel:
		return "GET_LR_SPARSE_MODEL"
	case GetMFSparseModel:
		return "GET_MF_SPARSE_MODEL"
	case SetTaskStatus:
		return "SET_TASK_STATUS"
	case GetTaskStatus:
		return "GET_TASK_STATUS"
	case GetNumConns:
		return "GET_NUM_CONNS"
	case GetLastTimeError:
		return "GET_LAST_TIME_ERROR"
	case GetAllTimeError:
		return "GET_ALL_TIME_ERROR"
	case GetNumUpdates:
		return "GET_NUM_UPDATES"
	case RegisterTask:
		return "REGISTER_TASK"
	case DeregisterTask:
		return "DEREGISTER_TASK"
	case SetValue:
		return "SET_VALUE"
	case GetValue:
		return "GET_VALUE"
	case KillSignal:
		return "KILL_SIGNAL"
	default:
		return "UNKNOWN"
	}
}

const (
	// MFGradientStartMagic opens every MF gradient payload on the wire.
	MFGradientStartMagic uint32 = 0x1337
	// MFGradientEndMagic closes every MF gradient payload on the wire.
	MFGradientEndMagic uint32 = 0x1338
)

// MaxWireCount caps any num/num_indices/num_values field deserialized from
// the wire. Declaring more than this is always a ProtocolError, independent
// of scratch buffer size.
const MaxWireCount = 1_000_000

// MaxPayloadBytes is the reference per-thread scratch buffer size; any
// declared payload_size above this is rejected before it is read.
const MaxPayloadBytes = 120 * 1024 * 1024

// MaxSparseResponseBytes bounds a GET_LR_SPARSE_MODEL / GET_MF_SPARSE_MODEL
// response: a request whose response would exceed it closes the connection.
const MaxSparseResponseBytes = 1 * 1024 * 1024
