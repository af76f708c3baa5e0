// Package types defines core identifier types shared across the kernel.
//
// Applications are content-addressed: an AppID is the blake3 hash of the
// application's flash payload, so reinstalling the same binary yields the
// same identity. Process identifiers are kernel-assigned and unique for the
// lifetime of a kernel instance, including across restarts of the same slot.
package types

import (
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
)

// Size constants for core types.
const (
	AppIDSize = 32
)

var (
	// ErrInvalidAppID is returned when an app ID has invalid length.
	ErrInvalidAppID = errors.New("invalid app id: must be 32 bytes")
)

// AppID is the content address of an application binary.
type AppID [AppIDSize]byte

// AppIDForPayload derives the AppID for an application flash payload.
func AppIDForPayload(payload []byte) AppID {
	return AppID(blake3.Sum256(payload))
}

// AppIDFromBase58 parses a base58-encoded app ID.
func AppIDFromBase58(s string) (AppID, error) {
	var id AppID
	data, err := base58.Decode(s)
	if err != nil {
		return id, fmt.Errorf("base58 decode: %w", err)
	}
	if len(data) != AppIDSize {
		return id, ErrInvalidAppID
	}
	copy(id[:], data)
	return id, nil
}

// AppIDFromBytes creates an AppID from a byte slice.
func AppIDFromBytes(b []byte) (AppID, error) {
	var id AppID
	if len(b) != AppIDSize {
		return id, ErrInvalidAppID
	}
	copy(id[:], b)
	return id, nil
}

// String returns the base58-encoded representation.
func (id AppID) String() string {
	return base58.Encode(id[:])
}

// Short returns a truncated base58 form suitable for log lines.
func (id AppID) Short() string {
	s := base58.Encode(id[:])
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// IsZero returns true if the app ID is all zeros.
func (id AppID) IsZero() bool {
	return id == AppID{}
}

// Bytes returns the app ID as a byte slice.
func (id AppID) Bytes() []byte {
	return id[:]
}

// MarshalText implements encoding.TextMarshaler.
func (id AppID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *AppID) UnmarshalText(text []byte) error {
	parsed, err := AppIDFromBase58(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ProcessID identifies a live process. IDs are never reused: restarting a
// process slot assigns a fresh ProcessID, so a capsule holding a stale ID
// observes InvalidProcess rather than touching the slot's new occupant.
type ProcessID uint32

// InvalidProcessID is the zero value; no live process ever carries it.
const InvalidProcessID ProcessID = 0

// String implements fmt.Stringer.
func (p ProcessID) String() string {
	return fmt.Sprintf("pid-%d", uint32(p))
}

// DriverNum identifies a capsule in the syscall ABI.
type DriverNum uint32

// String implements fmt.Stringer.
func (d DriverNum) String() string {
	return fmt.Sprintf("0x%x", uint32(d))
}
