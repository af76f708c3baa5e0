package appbin

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"testing"
)

func testPayload(n int) []byte {
	payload := make([]byte, n)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	return payload
}

func TestBuildParse(t *testing.T) {
	payload := testPayload(512)
	bundle, err := Build(BuildParams{
		Name:        "blink",
		Entry:       0x40,
		Payload:     payload,
		MinRAMSize:  4096,
		StackSize:   1024,
		Relocations: []uint32{0x10, 0x1f0},
	})
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}

	img, err := Parse(bundle)
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}

	if img.Name != "blink" {
		t.Errorf("Name = %q, want %q", img.Name, "blink")
	}
	if img.Entry != 0x40 {
		t.Errorf("Entry = 0x%x, want 0x40", img.Entry)
	}
	if img.MinRAMSize != 4096 || img.StackSize != 1024 {
		t.Errorf("MinRAMSize, StackSize = %d, %d, want 4096, 1024", img.MinRAMSize, img.StackSize)
	}
	if len(img.Relocations) != 2 || img.Relocations[1] != 0x1f0 {
		t.Errorf("Relocations = %v, want [0x10 0x1f0]", img.Relocations)
	}
	if !bytes.Equal(img.Payload, payload) {
		t.Error("Payload does not round-trip")
	}
}

func TestParseCompressed(t *testing.T) {
	payload := bytes.Repeat([]byte("sensor-loop "), 200)
	bundle, err := Build(BuildParams{
		Name:       "sense",
		Entry:      0,
		Payload:    payload,
		MinRAMSize: 2048,
		StackSize:  512,
		Compress:   true,
	})
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}
	if len(bundle) >= len(payload) {
		t.Errorf("compressed bundle is %d bytes for a %d byte payload", len(bundle), len(payload))
	}

	img, err := Parse(bundle)
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if !img.Compressed() {
		t.Error("Compressed() = false, want true")
	}
	if !bytes.Equal(img.Payload, payload) {
		t.Error("decompressed payload mismatch")
	}
}

func TestParseCorruptPayload(t *testing.T) {
	bundle, err := Build(BuildParams{
		Name:       "x",
		Entry:      0,
		Payload:    testPayload(128),
		MinRAMSize: 512,
		StackSize:  256,
	})
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}

	bundle[len(bundle)-1] ^= 0xff

	if _, err := Parse(bundle); !errors.Is(err, ErrBadChecksum) {
		t.Errorf("Parse(corrupt) = %v, want ErrBadChecksum", err)
	}
}

func TestParseTruncated(t *testing.T) {
	bundle, err := Build(BuildParams{
		Name:       "x",
		Entry:      0,
		Payload:    testPayload(128),
		MinRAMSize: 512,
		StackSize:  256,
	})
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}

	for _, n := range []int{0, 8, 31, len(bundle) - 1} {
		if _, err := Parse(bundle[:n]); !errors.Is(err, ErrInvalidImage) {
			t.Errorf("Parse(bundle[:%d]) = %v, want ErrInvalidImage", n, err)
		}
	}
}

func TestParseHeaderStopsAtFixedFields(t *testing.T) {
	// A bundle cut off right after the fixed fields, with size fields
	// crafted to agree with its own length, must still be rejected
	// rather than read past the end.
	data := make([]byte, 33)
	binary.LittleEndian.PutUint32(data[0:4], Magic)
	binary.LittleEndian.PutUint16(data[4:6], FormatVersion)
	binary.LittleEndian.PutUint32(data[8:12], 33) // headerSize
	binary.LittleEndian.PutUint32(data[16:20], 0) // payloadSize
	binary.LittleEndian.PutUint32(data[20:24], 1) // flashSize

	if _, err := Parse(data); !errors.Is(err, ErrInvalidImage) {
		t.Errorf("Parse(33-byte header) = %v, want ErrInvalidImage", err)
	}
}

func TestParseBadMagic(t *testing.T) {
	bundle, _ := Build(BuildParams{
		Name: "x", Payload: testPayload(64), MinRAMSize: 256, StackSize: 128,
	})
	bundle[0] = 'X'

	if _, err := Parse(bundle); !errors.Is(err, ErrInvalidImage) {
		t.Errorf("Parse(bad magic) = %v, want ErrInvalidImage", err)
	}
}

func TestCredential(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() failed: %v", err)
	}

	bundle, err := Build(BuildParams{
		Name:       "signed",
		Payload:    testPayload(256),
		MinRAMSize: 1024,
		StackSize:  512,
		SigningKey: priv,
	})
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}

	img, err := Parse(bundle)
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if img.Credential == nil {
		t.Fatal("Credential = nil, want signed credential")
	}

	if err := img.VerifyCredential([]ed25519.PublicKey{pub}); err != nil {
		t.Errorf("VerifyCredential(trusted) = %v, want nil", err)
	}

	otherPub, _, _ := ed25519.GenerateKey(rand.Reader)
	if err := img.VerifyCredential([]ed25519.PublicKey{otherPub}); !errors.Is(err, ErrUntrustedSigner) {
		t.Errorf("VerifyCredential(untrusted) = %v, want ErrUntrustedSigner", err)
	}

	// Flip a payload bit: the checksum catches it before the credential
	// is even consulted.
	bundle[len(bundle)-1] ^= 1
	if _, err := Parse(bundle); !errors.Is(err, ErrBadChecksum) {
		t.Errorf("Parse(tampered) = %v, want ErrBadChecksum", err)
	}
}

func TestCredentialTamperedHeader(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	bundle, err := Build(BuildParams{
		Name:       "signed",
		Payload:    testPayload(256),
		MinRAMSize: 1024,
		StackSize:  512,
		SigningKey: priv,
	})
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}

	// Raise the declared stack size without re-signing.
	bundle[28] = 0xff

	img, err := Parse(bundle)
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if err := img.VerifyCredential(nil); !errors.Is(err, ErrBadCredential) {
		t.Errorf("VerifyCredential(tampered header) = %v, want ErrBadCredential", err)
	}
}

func TestUnsignedImageHasNoCredential(t *testing.T) {
	bundle, _ := Build(BuildParams{
		Name: "plain", Payload: testPayload(64), MinRAMSize: 256, StackSize: 128,
	})
	img, err := Parse(bundle)
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if err := img.VerifyCredential(nil); !errors.Is(err, ErrNoCredential) {
		t.Errorf("VerifyCredential() = %v, want ErrNoCredential", err)
	}
}

func TestAppIDStableAcrossEncodings(t *testing.T) {
	payload := testPayload(300)
	plain, _ := Build(BuildParams{Name: "a", Payload: payload, MinRAMSize: 512, StackSize: 128})
	compressed, _ := Build(BuildParams{Name: "a", Payload: payload, MinRAMSize: 512, StackSize: 128, Compress: true})

	imgPlain, err := Parse(plain)
	if err != nil {
		t.Fatalf("Parse(plain) failed: %v", err)
	}
	imgComp, err := Parse(compressed)
	if err != nil {
		t.Fatalf("Parse(compressed) failed: %v", err)
	}

	if imgPlain.AppID() != imgComp.AppID() {
		t.Error("AppID differs between plain and compressed encodings of the same payload")
	}
}

func TestRelocationOutsidePayload(t *testing.T) {
	bundle, err := Build(BuildParams{
		Name:        "x",
		Payload:     testPayload(64),
		MinRAMSize:  256,
		StackSize:   128,
		Relocations: []uint32{62},
	})
	if err != nil {
		t.Fatalf("Build() failed: %v", err)
	}
	if _, err := Parse(bundle); !errors.Is(err, ErrInvalidImage) {
		t.Errorf("Parse(reloc past end) = %v, want ErrInvalidImage", err)
	}
}
