// Package appbin implements the application binary bundle format.
//
// A bundle is a self-describing image the loader can place without a
// dynamic linker. It carries:
//   - a structural header: entry point, flash/RAM/stack size requirements,
//     application name, and relocation offsets to patch with the flash base
//   - a blake3 checksum of the flash payload, always verified at parse time
//   - an optional ed25519 credential over a sha3-256 header digest, for
//     kernels configured to only run signed applications
//   - the flash payload itself, optionally zstd-compressed
//
// All multi-byte fields are little-endian.
package appbin

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"

	"github.com/patsv99/tock/internal/types"
)

// Bundle format errors.
var (
	ErrInvalidImage    = errors.New("invalid application image")
	ErrTooLarge        = errors.New("application image too large")
	ErrBadChecksum     = errors.New("payload checksum mismatch")
	ErrBadCredential   = errors.New("credential verification failed")
	ErrNoCredential    = errors.New("image carries no credential")
	ErrDecompress      = errors.New("payload decompression failed")
	ErrUntrustedSigner = errors.New("credential signer not trusted")
)

// Format constants.
const (
	// Magic identifies a bundle ("TAB1" in little-endian order).
	Magic = uint32(0x31424154)

	// FormatVersion is the current bundle format version.
	FormatVersion = uint16(1)

	fixedHeaderSize = 32
	checksumSize    = 32
	credentialSize  = ed25519.PublicKeySize + ed25519.SignatureSize
)

// Header flags.
const (
	// FlagCompressed marks a zstd-compressed payload.
	FlagCompressed = uint16(1 << 0)

	// FlagCredential marks the presence of an ed25519 credential.
	FlagCredential = uint16(1 << 1)
)

// Limits.
const (
	MaxImageSize   = 1 << 20 // 1 MiB whole bundle
	MaxPayloadSize = 1 << 20 // 1 MiB decompressed flash payload
	MaxNameLen     = 64
	MaxRelocations = 4096
)

// Credential is an ed25519 signature over the bundle's header digest. The
// digest (sha3-256 of every header byte preceding the credential block)
// covers the payload transitively through the blake3 checksum field.
type Credential struct {
	PublicKey ed25519.PublicKey
	Signature []byte
}

// Image is a parsed, checksum-verified application bundle.
type Image struct {
	Version    uint16
	Flags      uint16
	Name       string
	Entry      uint32
	FlashSize  uint32
	MinRAMSize uint32
	StackSize  uint32

	// Relocations are payload offsets of 32-bit words to which the
	// loader adds the assigned flash base address.
	Relocations []uint32

	Checksum   [checksumSize]byte
	Credential *Credential

	// Payload is the decompressed flash payload.
	Payload []byte
}

// AppID returns the content address of the image.
func (img *Image) AppID() types.AppID {
	return types.AppIDForPayload(img.Payload)
}

// Compressed reports whether the bundle stored its payload zstd-compressed.
func (img *Image) Compressed() bool {
	return img.Flags&FlagCompressed != 0
}

// VerifyCredential checks the image's credential against a set of trusted
// verifying keys. ErrNoCredential if the image is unsigned, ErrBadCredential
// if the signature does not verify, ErrUntrustedSigner if it verifies under
// a key outside the trusted set.
func (img *Image) VerifyCredential(trusted []ed25519.PublicKey) error {
	if img.Credential == nil {
		return ErrNoCredential
	}
	if !ed25519.Verify(img.Credential.PublicKey, img.digest(), img.Credential.Signature) {
		return ErrBadCredential
	}
	for _, key := range trusted {
		if key.Equal(img.Credential.PublicKey) {
			return nil
		}
	}
	return ErrUntrustedSigner
}

// digest recomputes the signed header digest from the parsed fields.
func (img *Image) digest() []byte {
	head := encodeHeaderPrefix(img)
	sum := sha3.Sum256(head)
	return sum[:]
}

// Parse parses and verifies a bundle. The payload checksum is always
// checked; credential verification is the caller's policy (see
// VerifyCredential).
func Parse(data []byte) (*Image, error) {
	if len(data) > MaxImageSize {
		return nil, ErrTooLarge
	}
	if len(data) < fixedHeaderSize+4 {
		return nil, fmt.Errorf("%w: truncated header", ErrInvalidImage)
	}

	if binary.LittleEndian.Uint32(data[0:4]) != Magic {
		return nil, fmt.Errorf("%w: bad magic", ErrInvalidImage)
	}

	img := &Image{
		Version:    binary.LittleEndian.Uint16(data[4:6]),
		Flags:      binary.LittleEndian.Uint16(data[6:8]),
		Entry:      binary.LittleEndian.Uint32(data[12:16]),
		FlashSize:  binary.LittleEndian.Uint32(data[20:24]),
		MinRAMSize: binary.LittleEndian.Uint32(data[24:28]),
		StackSize:  binary.LittleEndian.Uint32(data[28:32]),
	}
	if img.Version != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidImage, img.Version)
	}

	headerSize := binary.LittleEndian.Uint32(data[8:12])
	payloadSize := binary.LittleEndian.Uint32(data[16:20])
	if uint64(headerSize)+uint64(payloadSize) != uint64(len(data)) {
		return nil, fmt.Errorf("%w: size fields disagree with bundle length", ErrInvalidImage)
	}
	if img.FlashSize > MaxPayloadSize {
		return nil, fmt.Errorf("%w: declared flash size %d", ErrTooLarge, img.FlashSize)
	}
	if img.Entry >= img.FlashSize {
		return nil, fmt.Errorf("%w: entry 0x%x outside flash payload", ErrInvalidImage, img.Entry)
	}

	nameLen := int(binary.LittleEndian.Uint16(data[32:34]))
	relocCount := int(binary.LittleEndian.Uint16(data[34:36]))
	if nameLen > MaxNameLen {
		return nil, fmt.Errorf("%w: name too long", ErrInvalidImage)
	}
	if relocCount > MaxRelocations {
		return nil, fmt.Errorf("%w: too many relocations", ErrInvalidImage)
	}

	want := fixedHeaderSize + 4 + nameLen + 4*relocCount + checksumSize
	if img.Flags&FlagCredential != 0 {
		want += credentialSize
	}
	if int(headerSize) != want {
		return nil, fmt.Errorf("%w: header size %d, computed %d", ErrInvalidImage, headerSize, want)
	}

	off := fixedHeaderSize + 4
	img.Name = string(data[off : off+nameLen])
	off += nameLen

	img.Relocations = make([]uint32, relocCount)
	for i := 0; i < relocCount; i++ {
		img.Relocations[i] = binary.LittleEndian.Uint32(data[off : off+4])
		off += 4
	}
	for _, r := range img.Relocations {
		if uint64(r)+4 > uint64(img.FlashSize) {
			return nil, fmt.Errorf("%w: relocation offset 0x%x outside payload", ErrInvalidImage, r)
		}
	}

	copy(img.Checksum[:], data[off:off+checksumSize])
	credOffset := off + checksumSize
	off = credOffset

	if img.Flags&FlagCredential != 0 {
		cred := &Credential{
			PublicKey: make(ed25519.PublicKey, ed25519.PublicKeySize),
			Signature: make([]byte, ed25519.SignatureSize),
		}
		copy(cred.PublicKey, data[off:off+ed25519.PublicKeySize])
		copy(cred.Signature, data[off+ed25519.PublicKeySize:off+credentialSize])
		img.Credential = cred
		off += credentialSize
	}

	payload := data[off:]
	if img.Flags&FlagCompressed != 0 {
		decompressed, err := decompressPayload(payload, img.FlashSize)
		if err != nil {
			return nil, err
		}
		payload = decompressed
	} else {
		payload = append([]byte(nil), payload...)
	}
	if uint32(len(payload)) != img.FlashSize {
		return nil, fmt.Errorf("%w: payload %d bytes, declared %d", ErrInvalidImage, len(payload), img.FlashSize)
	}

	if blake3.Sum256(payload) != img.Checksum {
		return nil, ErrBadChecksum
	}
	img.Payload = payload

	return img, nil
}

func decompressPayload(payload []byte, maxSize uint32) ([]byte, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(maxSize)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompress, err)
	}
	defer dec.Close()

	out, err := dec.DecodeAll(payload, make([]byte, 0, maxSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompress, err)
	}
	return out, nil
}
