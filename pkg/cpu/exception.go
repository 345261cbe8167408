package cpu

import "fmt"

// Vector is an x86 interrupt or exception vector.
type Vector uint8

// Architectural exception vectors.
const (
	VectorDE Vector = 0  // divide error
	VectorDB Vector = 1  // debug
	VectorBP Vector = 3  // breakpoint
	VectorUD Vector = 6  // invalid opcode
	VectorNM Vector = 7  // device not available
	VectorDF Vector = 8  // double fault
	VectorTS Vector = 10 // invalid TSS
	VectorNP Vector = 11 // segment not present
	VectorSS Vector = 12 // stack-segment fault
	VectorGP Vector = 13 // general protection
	VectorPF Vector = 14 // page fault
)

// Page-fault error code bits.
const (
	PFPresent  uint32 = 1 << 0
	PFWrite    uint32 = 1 << 1
	PFUser     uint32 = 1 << 2
	PFReserved uint32 = 1 << 3
	PFFetch    uint32 = 1 << 4
)

// Exception is an architectural fault raised by instruction execution.
// It travels as an error up to the dispatch loop, which delivers it.
type Exception struct {
	Vector       Vector
	ErrorCode    uint32
	HasErrorCode bool

	// Address is the faulting linear address for #PF.
	Address uint64
}

func (e *Exception) Error() string {
	switch {
	case e.Vector == VectorPF:
		return fmt.Sprintf("#PF at %#x (error code %#x)", e.Address, e.ErrorCode)
	case e.HasErrorCode:
		return fmt.Sprintf("%s(%#x)", e.Vector, e.ErrorCode)
	default:
		return e.Vector.String()
	}
}

func (v Vector) String() string {
	switch v {
	case VectorDE:
		return "#DE"
	case VectorDB:
		return "#DB"
	case VectorBP:
		return "#BP"
	case VectorUD:
		return "#UD"
	case VectorNM:
		return "#NM"
	case VectorDF:
		return "#DF"
	case VectorTS:
		return "#TS"
	case VectorNP:
		return "#NP"
	case VectorSS:
		return "#SS"
	case VectorGP:
		return "#GP"
	case VectorPF:
		return "#PF"
	}
	return fmt.Sprintf("vector %d", uint8(v))
}

// PageFault returns a #PF for addr with the given error code.
func PageFault(addr uint64, code uint32) *Exception {
	return &Exception{Vector: VectorPF, ErrorCode: code, HasErrorCode: true, Address: addr}
}

// GP returns #GP with the given error code; GP(0) is the common case.
func GP(code uint32) *Exception {
	return &Exception{Vector: VectorGP, ErrorCode: code, HasErrorCode: true}
}

// InvalidOpcode returns #UD.
func InvalidOpcode() *Exception {
	return &Exception{Vector: VectorUD}
}

// DivideError returns #DE.
func DivideError() *Exception {
	return &Exception{Vector: VectorDE}
}

// NotPresent returns #NP for a segment selector.
func NotPresent(selector uint16) *Exception {
	return &Exception{Vector: VectorNP, ErrorCode: uint32(selector &^ 3), HasErrorCode: true}
}

// StackFault returns #SS with the given error code.
func StackFault(code uint32) *Exception {
	return &Exception{Vector: VectorSS, ErrorCode: code, HasErrorCode: true}
}

// AssistReason says why tier-0 could not complete an instruction on its
// own.
type AssistReason uint8

const (
	// AssistPrivileged covers control-register, descriptor-table and
	// TLB-management instructions.
	AssistPrivileged AssistReason = iota + 1
	// AssistSegmentLoad covers MOV Sreg and POP SS.
	AssistSegmentLoad
	// AssistIO covers IN and OUT.
	AssistIO
	// AssistInterrupt covers INT n, INT3 and IRET.
	AssistInterrupt
	// AssistCPUID covers CPUID.
	AssistCPUID
)

func (r AssistReason) String() string {
	switch r {
	case AssistPrivileged:
		return "privileged"
	case AssistSegmentLoad:
		return "segment-load"
	case AssistIO:
		return "io"
	case AssistInterrupt:
		return "interrupt"
	case AssistCPUID:
		return "cpuid"
	}
	return fmt.Sprintf("assist(%d)", uint8(r))
}
