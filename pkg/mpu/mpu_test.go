package mpu

import (
	"errors"
	"testing"
)

func TestValidateRegionsRounding(t *testing.T) {
	regions := []Region{
		{Base: 0x20000000, Length: 100, Perms: PermReadWrite},
	}

	cfg, err := ValidateRegions(regions, 8, 32)
	if err != nil {
		t.Fatalf("ValidateRegions() failed: %v", err)
	}

	got := cfg.Regions()
	if len(got) != 1 {
		t.Fatalf("len(Regions()) = %d, want 1", len(got))
	}
	if got[0].Length != 128 {
		t.Errorf("Length = %d, want 128 (rounded to granule)", got[0].Length)
	}
}

func TestValidateRegionsTooMany(t *testing.T) {
	regions := make([]Region, 9)
	for i := range regions {
		regions[i] = Region{Base: uint64(i) * 0x1000, Length: 0x1000, Perms: PermRead}
	}

	_, err := ValidateRegions(regions, 8, 32)
	if !errors.Is(err, ErrUnsupportedLayout) {
		t.Errorf("ValidateRegions() = %v, want ErrUnsupportedLayout", err)
	}
}

func TestValidateRegionsMisaligned(t *testing.T) {
	regions := []Region{
		{Base: 0x20000007, Length: 64, Perms: PermReadWrite},
	}

	_, err := ValidateRegions(regions, 8, 32)
	if !errors.Is(err, ErrUnsupportedLayout) {
		t.Errorf("ValidateRegions() = %v, want ErrUnsupportedLayout", err)
	}
}

func TestValidateRegionsZeroLength(t *testing.T) {
	regions := []Region{
		{Base: 0x20000000, Length: 0, Perms: PermRead},
	}

	_, err := ValidateRegions(regions, 8, 32)
	if !errors.Is(err, ErrUnsupportedLayout) {
		t.Errorf("ValidateRegions() = %v, want ErrUnsupportedLayout", err)
	}
}

func TestConfigAllows(t *testing.T) {
	cfg, err := ValidateRegions([]Region{
		{Base: 0x10000000, Length: 0x1000, Perms: PermReadExecute},
		{Base: 0x20000000, Length: 0x2000, Perms: PermReadWrite},
	}, 8, 32)
	if err != nil {
		t.Fatalf("ValidateRegions() failed: %v", err)
	}

	tests := []struct {
		name  string
		addr  uint64
		size  uint64
		write bool
		want  bool
	}{
		{"read flash", 0x10000000, 16, false, true},
		{"write flash", 0x10000000, 16, true, false},
		{"read ram", 0x20000100, 64, false, true},
		{"write ram", 0x20000100, 64, true, true},
		{"write past ram end", 0x20001ff0, 64, true, false},
		{"unmapped", 0x30000000, 4, false, false},
		{"overflowing access", ^uint64(0) - 2, 8, false, false},
	}

	for _, tt := range tests {
		if got := cfg.Allows(tt.addr, tt.size, tt.write); got != tt.want {
			t.Errorf("%s: Allows(0x%x, %d, %v) = %v, want %v", tt.name, tt.addr, tt.size, tt.write, got, tt.want)
		}
	}
}

func TestRegionOverlaps(t *testing.T) {
	a := Region{Base: 0x1000, Length: 0x1000}
	b := Region{Base: 0x1800, Length: 0x1000}
	c := Region{Base: 0x2000, Length: 0x1000}

	if !a.Overlaps(b) {
		t.Error("Overlaps(a, b) = false, want true")
	}
	if a.Overlaps(c) {
		t.Error("Overlaps(a, c) = true, want false")
	}
}
