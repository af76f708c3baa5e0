package flashstore

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/patsv99/tock/pkg/appbin"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(DefaultConfig(filepath.Join(t.TempDir(), "flash.db")))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func buildBundle(t *testing.T, name string, fill byte) []byte {
	t.Helper()
	payload := bytes.Repeat([]byte{fill}, 64)
	raw, err := appbin.Build(appbin.BuildParams{
		Name:       name,
		Entry:      0,
		Payload:    payload,
		MinRAMSize: 4096,
		StackSize:  1024,
	})
	if err != nil {
		t.Fatalf("Build(%q): %v", name, err)
	}
	return raw
}

func TestInstallAndGet(t *testing.T) {
	s := openTestStore(t)
	raw := buildBundle(t, "blink", 1)

	id, err := s.Install(raw)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}

	img, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if img.Name != "blink" {
		t.Errorf("Name = %q, want blink", img.Name)
	}
	if img.AppID() != id {
		t.Error("retrieved image has a different content address")
	}
}

func TestInstallRejectsCorruptBundle(t *testing.T) {
	s := openTestStore(t)
	raw := buildBundle(t, "blink", 1)
	raw[len(raw)-1] ^= 0xff

	if _, err := s.Install(raw); err == nil {
		t.Fatal("Install accepted a corrupted bundle")
	}
	if n, _ := s.Count(); n != 0 {
		t.Errorf("store holds %d images after rejected install, want 0", n)
	}
}

func TestByName(t *testing.T) {
	s := openTestStore(t)
	id, err := s.Install(buildBundle(t, "sensor", 2))
	if err != nil {
		t.Fatalf("Install: %v", err)
	}

	got, err := s.ByName("sensor")
	if err != nil {
		t.Fatalf("ByName: %v", err)
	}
	if got != id {
		t.Errorf("ByName = %s, want %s", got.Short(), id.Short())
	}
	if _, err := s.ByName("missing"); !errors.Is(err, ErrNameNotFound) {
		t.Errorf("ByName(missing) = %v, want ErrNameNotFound", err)
	}
}

func TestListSortedByName(t *testing.T) {
	s := openTestStore(t)
	s.Install(buildBundle(t, "zeta", 1))
	s.Install(buildBundle(t, "alpha", 2))

	metas, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(metas) != 2 || metas[0].Name != "alpha" || metas[1].Name != "zeta" {
		t.Errorf("List = %+v, want alpha then zeta", metas)
	}
	if metas[0].PayloadSize != 64 {
		t.Errorf("PayloadSize = %d, want 64", metas[0].PayloadSize)
	}
}

func TestRemove(t *testing.T) {
	s := openTestStore(t)
	id, _ := s.Install(buildBundle(t, "gone", 3))

	if err := s.Remove(id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := s.Get(id); !errors.Is(err, ErrImageNotFound) {
		t.Errorf("Get after remove = %v, want ErrImageNotFound", err)
	}
	if _, err := s.ByName("gone"); !errors.Is(err, ErrNameNotFound) {
		t.Errorf("ByName after remove = %v, want ErrNameNotFound", err)
	}
	if err := s.Remove(id); !errors.Is(err, ErrImageNotFound) {
		t.Errorf("double remove = %v, want ErrImageNotFound", err)
	}
}

func TestReinstallSameBytesIsStable(t *testing.T) {
	s := openTestStore(t)
	raw := buildBundle(t, "twin", 4)

	id1, err := s.Install(raw)
	if err != nil {
		t.Fatalf("first install: %v", err)
	}
	id2, err := s.Install(raw)
	if err != nil {
		t.Fatalf("second install: %v", err)
	}
	if id1 != id2 {
		t.Error("identical bundles got different content addresses")
	}
	if n, _ := s.Count(); n != 1 {
		t.Errorf("Count = %d, want 1", n)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.db")
	s, err := Open(DefaultConfig(path))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	id, err := s.Install(buildBundle(t, "keeper", 5))
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	s.Close()

	s, err = Open(DefaultConfig(path))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	img, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if img.Name != "keeper" {
		t.Errorf("Name = %q, want keeper", img.Name)
	}
}

func TestClosedStoreFails(t *testing.T) {
	s := openTestStore(t)
	s.Close()
	if _, err := s.Install(buildBundle(t, "late", 6)); !errors.Is(err, ErrClosed) {
		t.Errorf("Install on closed store = %v, want ErrClosed", err)
	}
}
