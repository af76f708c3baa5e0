package appbin

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"
)

// BuildParams describes a bundle to produce.
type BuildParams struct {
	Name       string
	Entry      uint32
	Payload    []byte
	MinRAMSize uint32
	StackSize  uint32

	// Relocations are payload offsets of words to patch at load time.
	Relocations []uint32

	// Compress stores the payload zstd-compressed.
	Compress bool

	// SigningKey, when set, attaches an ed25519 credential.
	SigningKey ed25519.PrivateKey
}

// Build encodes a bundle. The inverse of Parse.
func Build(p BuildParams) ([]byte, error) {
	if len(p.Payload) == 0 || len(p.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload size %d", ErrInvalidImage, len(p.Payload))
	}
	if len(p.Name) > MaxNameLen {
		return nil, fmt.Errorf("%w: name too long", ErrInvalidImage)
	}
	if len(p.Relocations) > MaxRelocations {
		return nil, fmt.Errorf("%w: too many relocations", ErrInvalidImage)
	}
	if p.Entry >= uint32(len(p.Payload)) {
		return nil, fmt.Errorf("%w: entry 0x%x outside payload", ErrInvalidImage, p.Entry)
	}

	img := &Image{
		Version:     FormatVersion,
		Name:        p.Name,
		Entry:       p.Entry,
		FlashSize:   uint32(len(p.Payload)),
		MinRAMSize:  p.MinRAMSize,
		StackSize:   p.StackSize,
		Relocations: p.Relocations,
		Checksum:    blake3.Sum256(p.Payload),
	}
	if p.Compress {
		img.Flags |= FlagCompressed
	}
	if p.SigningKey != nil {
		img.Flags |= FlagCredential
	}

	stored := p.Payload
	if p.Compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		stored = enc.EncodeAll(p.Payload, nil)
		enc.Close()
	}

	head := encodeHeaderPrefix(img)

	out := make([]byte, 0, len(head)+credentialSize+len(stored))
	out = append(out, head...)
	if p.SigningKey != nil {
		digest := sha3.Sum256(head)
		out = append(out, p.SigningKey.Public().(ed25519.PublicKey)...)
		out = append(out, ed25519.Sign(p.SigningKey, digest[:])...)
	}

	// Patch the final header size and payload size now that the stored
	// payload length is known.
	binary.LittleEndian.PutUint32(out[8:12], uint32(len(out)))
	binary.LittleEndian.PutUint32(out[16:20], uint32(len(stored)))

	return append(out, stored...), nil
}

// encodeHeaderPrefix encodes every header byte preceding the credential
// block. This is also the signed region; the payloadSize and headerSize
// fields are written as zero here and patched after signing, so they are
// excluded from the digest (they describe stored framing, not content).
func encodeHeaderPrefix(img *Image) []byte {
	size := fixedHeaderSize + 4 + len(img.Name) + 4*len(img.Relocations) + checksumSize
	head := make([]byte, size)

	binary.LittleEndian.PutUint32(head[0:4], Magic)
	binary.LittleEndian.PutUint16(head[4:6], img.Version)
	binary.LittleEndian.PutUint16(head[6:8], img.Flags)
	// head[8:12] headerSize: patched by Build, zero in the digest.
	binary.LittleEndian.PutUint32(head[12:16], img.Entry)
	// head[16:20] payloadSize: patched by Build, zero in the digest.
	binary.LittleEndian.PutUint32(head[20:24], img.FlashSize)
	binary.LittleEndian.PutUint32(head[24:28], img.MinRAMSize)
	binary.LittleEndian.PutUint32(head[28:32], img.StackSize)
	binary.LittleEndian.PutUint16(head[32:34], uint16(len(img.Name)))
	binary.LittleEndian.PutUint16(head[34:36], uint16(len(img.Relocations)))

	off := fixedHeaderSize + 4
	copy(head[off:], img.Name)
	off += len(img.Name)
	for _, r := range img.Relocations {
		binary.LittleEndian.PutUint32(head[off:off+4], r)
		off += 4
	}
	copy(head[off:], img.Checksum[:])

	return head
}
