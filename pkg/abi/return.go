package abi

import "github.com/patsv99/tock/internal/types"

// ReturnVariant tags the shape of a syscall return value. The variant is
// placed in r0; payload words follow in r1-r3. Failure variants occupy the
// low numbers, success variants start at 128, so userspace can test the
// high bit to branch on success.
type ReturnVariant uint32

// Return variants.
const (
	RetFailure       ReturnVariant = 0 // r1 = error code
	RetFailureU32    ReturnVariant = 1 // r1 = error code, r2 = data
	RetFailureU32U32 ReturnVariant = 2 // r1 = error code, r2, r3 = data
	RetSuccess       ReturnVariant = 128
	RetSuccessU32    ReturnVariant = 129 // r1 = data
	RetSuccessU32U32 ReturnVariant = 130 // r1, r2 = data
	RetSuccessU64    ReturnVariant = 131 // r1 = low word, r2 = high word
)

// SyscallReturn is the marshaled result of one syscall.
type SyscallReturn struct {
	Variant ReturnVariant
	Code    types.ErrorCode
	Values  [3]uint64
}

// Success returns a bare success.
func Success() SyscallReturn {
	return SyscallReturn{Variant: RetSuccess}
}

// SuccessU32 returns a success carrying one word.
func SuccessU32(v uint64) SyscallReturn {
	return SyscallReturn{Variant: RetSuccessU32, Values: [3]uint64{v}}
}

// SuccessU32U32 returns a success carrying two words.
func SuccessU32U32(v0, v1 uint64) SyscallReturn {
	return SyscallReturn{Variant: RetSuccessU32U32, Values: [3]uint64{v0, v1}}
}

// Failure returns a bare failure with an error code.
func Failure(code types.ErrorCode) SyscallReturn {
	return SyscallReturn{Variant: RetFailure, Code: code}
}

// FailureU32 returns a failure carrying one word alongside the code.
func FailureU32(code types.ErrorCode, v uint64) SyscallReturn {
	return SyscallReturn{Variant: RetFailureU32, Code: code, Values: [3]uint64{v}}
}

// FailureU32U32 returns a failure carrying two words alongside the code.
func FailureU32U32(code types.ErrorCode, v0, v1 uint64) SyscallReturn {
	return SyscallReturn{Variant: RetFailureU32U32, Code: code, Values: [3]uint64{v0, v1}}
}

// IsSuccess reports whether the return is any success variant.
func (r SyscallReturn) IsSuccess() bool {
	return r.Variant >= RetSuccess
}

// DecodeReturn reads a marshaled return back out of the argument registers.
// Userspace-side counterpart of Encode.
func DecodeReturn(regs RegisterFile) SyscallReturn {
	r := SyscallReturn{Variant: ReturnVariant(regs.R[0])}
	switch r.Variant {
	case RetFailure:
		r.Code = types.ErrorCode(regs.R[1])
	case RetFailureU32:
		r.Code = types.ErrorCode(regs.R[1])
		r.Values[0] = regs.R[2]
	case RetFailureU32U32:
		r.Code = types.ErrorCode(regs.R[1])
		r.Values[0] = regs.R[2]
		r.Values[1] = regs.R[3]
	default:
		r.Values[0] = regs.R[1]
		r.Values[1] = regs.R[2]
		r.Values[2] = regs.R[3]
	}
	return r
}

// Encode writes the return into the argument registers of regs.
func (r SyscallReturn) Encode(regs *RegisterFile) {
	regs.R[0] = uint64(r.Variant)
	switch r.Variant {
	case RetFailure:
		regs.R[1] = uint64(r.Code)
		regs.R[2] = 0
		regs.R[3] = 0
	case RetFailureU32:
		regs.R[1] = uint64(r.Code)
		regs.R[2] = r.Values[0]
		regs.R[3] = 0
	case RetFailureU32U32:
		regs.R[1] = uint64(r.Code)
		regs.R[2] = r.Values[0]
		regs.R[3] = r.Values[1]
	default:
		regs.R[1] = r.Values[0]
		regs.R[2] = r.Values[1]
		regs.R[3] = r.Values[2]
	}
}
