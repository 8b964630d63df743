package vmx

import "fmt"

// ExitReason is the basic exit reason from the low 16 bits of the
// read-only reason field.
type ExitReason uint32

const (
	ExitExceptionNMI ExitReason = 0
	ExitTripleFault  ExitReason = 2
	ExitINITSignal   ExitReason = 3
	ExitSIPI         ExitReason = 4
	ExitCPUID        ExitReason = 10
	ExitGETSEC       ExitReason = 11
	ExitHLT          ExitReason = 12
	ExitINVD         ExitReason = 13
	ExitRDTSC        ExitReason = 16
	ExitVMCALL       ExitReason = 18
	ExitVMCLEAR      ExitReason = 19
	ExitVMLAUNCH     ExitReason = 20
	ExitVMPTRLD      ExitReason = 21
	ExitVMPTRST      ExitReason = 22
	ExitVMREAD       ExitReason = 23
	ExitVMRESUME     ExitReason = 24
	ExitVMWRITE      ExitReason = 25
	ExitVMXOFF       ExitReason = 26
	ExitVMXON        ExitReason = 27
	ExitCRAccess     ExitReason = 28
	ExitRDMSR        ExitReason = 31
	ExitWRMSR        ExitReason = 32
	ExitInvalidState ExitReason = 33
	ExitMTF          ExitReason = 37
	ExitEPTViolation ExitReason = 48
	ExitEPTMisconfig ExitReason = 49
	ExitINVEPT       ExitReason = 50
	ExitRDTSCP       ExitReason = 51
	ExitINVVPID      ExitReason = 53
	ExitWBINVD       ExitReason = 54
	ExitXSETBV       ExitReason = 55
)

func (r ExitReason) String() string {
	switch r {
	case ExitExceptionNMI:
		return "exception or NMI"
	case ExitTripleFault:
		return "triple fault"
	case ExitINITSignal:
		return "INIT signal"
	case ExitSIPI:
		return "SIPI"
	case ExitCPUID:
		return "CPUID"
	case ExitGETSEC:
		return "GETSEC"
	case ExitHLT:
		return "HLT"
	case ExitINVD:
		return "INVD"
	case ExitRDTSC:
		return "RDTSC"
	case ExitVMCALL:
		return "VMCALL"
	case ExitVMCLEAR:
		return "VMCLEAR"
	case ExitVMLAUNCH:
		return "VMLAUNCH"
	case ExitVMPTRLD:
		return "VMPTRLD"
	case ExitVMPTRST:
		return "VMPTRST"
	case ExitVMREAD:
		return "VMREAD"
	case ExitVMRESUME:
		return "VMRESUME"
	case ExitVMWRITE:
		return "VMWRITE"
	case ExitVMXOFF:
		return "VMXOFF"
	case ExitVMXON:
		return "VMXON"
	case ExitCRAccess:
		return "CR access"
	case ExitRDMSR:
		return "RDMSR"
	case ExitWRMSR:
		return "WRMSR"
	case ExitInvalidState:
		return "invalid guest state"
	case ExitMTF:
		return "monitor trap flag"
	case ExitEPTViolation:
		return "EPT violation"
	case ExitEPTMisconfig:
		return "EPT misconfiguration"
	case ExitINVEPT:
		return "INVEPT"
	case ExitRDTSCP:
		return "RDTSCP"
	case ExitINVVPID:
		return "INVVPID"
	case ExitWBINVD:
		return "WBINVD"
	case ExitXSETBV:
		return "XSETBV"
	default:
		return fmt.Sprintf("reason %d", uint32(r))
	}
}

// EPT violation exit qualification bits.
const (
	EPTQualRead     uint64 = 1 << 0
	EPTQualWrite    uint64 = 1 << 1
	EPTQualFetch    uint64 = 1 << 2
	EPTQualReadable uint64 = 1 << 3
	EPTQualWritable uint64 = 1 << 4
	EPTQualExecable uint64 = 1 << 5
	EPTQualGLAValid uint64 = 1 << 7
)

// Event injection. The interruption-information format is shared by the
// entry interruption field and the exit interruption field.
type EventType uint32

const (
	EventExternalInt EventType = 0
	EventNMI         EventType = 2
	EventHWException EventType = 3
	EventSWException EventType = 6
)

// Exception vectors the engine injects.
const (
	VectorUD uint8 = 6
	VectorGP uint8 = 13
)

// Event describes one injected exception or interrupt.
type Event struct {
	Vector    uint8
	Type      EventType
	ErrorCode uint32
	// HasError selects error-code delivery; only some vectors push one.
	HasError bool
}

// InterruptionInfo encodes the event for the entry interruption field.
func (e Event) InterruptionInfo() uint32 {
	info := uint32(e.Vector) | uint32(e.Type)<<8 | 1<<31
	if e.HasError {
		info |= 1 << 11
	}

	return info
}

// UndefinedOpcode is the #UD the engine uses to disclaim an instruction.
func UndefinedOpcode() Event {
	return Event{Vector: VectorUD, Type: EventHWException}
}

// GeneralProtection is a #GP(0), used for privilege faults the engine
// manufactures, such as reads of nonexistent model-specific registers.
func GeneralProtection() Event {
	return Event{Vector: VectorGP, Type: EventHWException, HasError: true}
}

// Inject writes the event into the entry interruption fields so it is
// delivered ahead of the next guest instruction.
func Inject(hw Hardware, e Event) error {
	if e.HasError {
		if err := hw.VMWrite(FieldVMEntryExcErrCode, uint64(e.ErrorCode)); err != nil {
			return err
		}
	}

	return hw.VMWrite(FieldVMEntryIntrInfo, uint64(e.InterruptionInfo()))
}
