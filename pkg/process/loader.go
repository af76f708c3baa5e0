package process

import (
	"encoding/binary"
	"fmt"

	"github.com/patsv99/tock/internal/types"
	"github.com/patsv99/tock/pkg/abi"
	"github.com/patsv99/tock/pkg/appbin"
	"github.com/patsv99/tock/pkg/grant"
)

// DefaultStackSize is used when an image declares no stack size.
const DefaultStackSize = uint64(2048)

// MemoryBudget is the memory available to one process slot.
type MemoryBudget struct {
	FlashSize uint64
	RAMSize   uint64
}

// LoadParams collects the inputs for constructing a process.
type LoadParams struct {
	// Slot is the process slot index, which fixes the virtual bases.
	Slot int

	// ID is the kernel-assigned process identifier.
	ID types.ProcessID

	// Image is the parsed, checksum-verified application bundle.
	Image *appbin.Image

	// Budget is the memory available to the slot.
	Budget MemoryBudget

	// NumGrants is the number of grant slots, one per registered
	// capsule.
	NumGrants int

	// Policy is the fault policy. Zero value is PolicyRestart.
	Policy FaultPolicy

	// Priority is the scheduling priority.
	Priority int
}

// Load validates an image against the slot's memory budget and constructs
// the process. It either returns a fully initialized process or an error;
// it never leaves a partially initialized slot behind. The flash payload is
// copied and relocated in place; the register file is initialized so the
// process resumes at its entry point with the stack pointer at the top of
// its stack.
func Load(params LoadParams) (*Process, error) {
	img := params.Image
	if img == nil || len(img.Payload) == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrInvalidImage)
	}
	if params.Slot < 0 {
		return nil, fmt.Errorf("%w: negative slot", ErrInvalidImage)
	}
	if params.Budget.FlashSize > SlotWindow || params.Budget.RAMSize > SlotWindow {
		return nil, fmt.Errorf("%w: budget exceeds slot window", ErrInvalidImage)
	}

	if uint64(img.FlashSize) > params.Budget.FlashSize {
		return nil, fmt.Errorf("%w: flash needs %d, budget %d",
			ErrInsufficientMemory, img.FlashSize, params.Budget.FlashSize)
	}
	if uint64(img.MinRAMSize) > params.Budget.RAMSize {
		return nil, fmt.Errorf("%w: ram needs %d, budget %d",
			ErrInsufficientMemory, img.MinRAMSize, params.Budget.RAMSize)
	}

	stackSize := uint64(img.StackSize)
	if stackSize == 0 {
		stackSize = DefaultStackSize
	}
	if stackSize >= params.Budget.RAMSize {
		return nil, fmt.Errorf("%w: stack %d leaves no heap in %d bytes of ram",
			ErrInsufficientMemory, stackSize, params.Budget.RAMSize)
	}

	flashBase := FlashBaseForSlot(params.Slot)

	// Place the payload and apply relocations against the assigned base.
	flash := make([]byte, len(img.Payload))
	copy(flash, img.Payload)
	for _, off := range img.Relocations {
		word := binary.LittleEndian.Uint32(flash[off : off+4])
		binary.LittleEndian.PutUint32(flash[off:off+4], word+uint32(flashBase))
	}

	p := &Process{
		id:        params.ID,
		appID:     img.AppID(),
		name:      img.Name,
		state:     Unstarted,
		flashBase: flashBase,
		flash:     flash,
		ramBase:   RAMBaseForSlot(params.Slot),
		ram:       make([]byte, params.Budget.RAMSize),
		stackSize: stackSize,
		numGrants: params.NumGrants,
		policy:    params.Policy,
		priority:  params.Priority,
		image:     img,
	}
	p.initMemory()
	p.initRegisters()
	p.grants = grant.NewRegion(params.NumGrants, p.reserveGrant)

	return p, nil
}

func abiEntryRegisters(pc, sp uint64) abi.RegisterFile {
	return abi.RegisterFile{PC: pc, SP: sp}
}
