package protectfs

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/absfs/absfs"
	"github.com/absfs/memfs"
)

func setupSealedPFS(t *testing.T, secret [KeySize]byte) (*FS, absfs.FileSystem) {
	t.Helper()
	base, err := memfs.NewFS()
	if err != nil {
		t.Fatalf("failed to create memfs: %v", err)
	}
	pfs, err := New(base, &Config{Platform: NewStaticSealer(secret)})
	if err != nil {
		t.Fatalf("failed to create protectfs: %v", err)
	}
	return pfs, base
}

func TestStaticSealerDeterministic(t *testing.T) {
	s := NewStaticSealer([KeySize]byte{1, 2, 3})
	var keyID [KeyIDSize]byte
	keyID[0] = 9

	k1, err := s.SealingKey(&keyID)
	if err != nil {
		t.Fatalf("sealing key failed: %v", err)
	}
	k2, err := s.SealingKey(&keyID)
	if err != nil {
		t.Fatalf("sealing key failed: %v", err)
	}
	if k1 != k2 {
		t.Error("sealing key must be deterministic in the key id")
	}

	keyID[0] = 10
	k3, _ := s.SealingKey(&keyID)
	if k1 == k3 {
		t.Error("different key ids must seal differently")
	}

	other := NewStaticSealer([KeySize]byte{4, 5, 6})
	k4, _ := other.SealingKey(&keyID)
	if k3 == k4 {
		t.Error("different sealer secrets must seal differently")
	}
}

func TestOSPlatformHasNoSealingKey(t *testing.T) {
	var keyID [KeyIDSize]byte
	if _, err := (OSPlatform{}).SealingKey(&keyID); !errors.Is(err, ErrNotSupported) {
		t.Errorf("OSPlatform sealing key = %v, want ErrNotSupported", err)
	}

	b := make([]byte, 64)
	if err := (OSPlatform{}).Rand(b); err != nil {
		t.Fatalf("rand failed: %v", err)
	}
	if bytes.Equal(b, make([]byte, 64)) {
		t.Error("rand produced all zeros")
	}
}

func TestAutoKeyModeRequiresSealer(t *testing.T) {
	pfs, _ := setupPFS(t) // OSPlatform, no sealing key
	f, err := pfs.OpenFile(testName(), "w+")
	if err == nil {
		// Creation defers key use to the first flush.
		defer f.Close()
		if _, werr := f.Write([]byte("x")); werr == nil {
			if ferr := f.Flush(); !errors.Is(ferr, ErrNotSupported) {
				t.Errorf("flush without sealer = %v, want ErrNotSupported", ferr)
			}
		}
		return
	}
	if !errors.Is(err, ErrNotSupported) {
		t.Errorf("auto-key open without sealer = %v", err)
	}
}

func TestAutoKeyRoundTrip(t *testing.T) {
	pfs, _ := setupSealedPFS(t, [KeySize]byte{0x42})
	name := testName()
	data := patternData(100000)

	f, err := pfs.OpenFile(name, "w+")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	mustWriteAll(t, f, data)
	if err := f.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	f, err = pfs.Open(name)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer f.Close()
	got, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("auto-key round trip mismatch")
	}
}

func TestWrongSealerSecretFailsAuth(t *testing.T) {
	pfs, base := setupSealedPFS(t, [KeySize]byte{0x42})
	name := testName()

	f, err := pfs.OpenFile(name, "w+")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	mustWriteAll(t, f, []byte("sealed"))
	if err := f.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	other, err := New(base, &Config{Platform: NewStaticSealer([KeySize]byte{0x43})})
	if err != nil {
		t.Fatalf("failed to create protectfs: %v", err)
	}
	if _, err := other.Open(name); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("open under wrong sealer = %v, want ErrAuthFailed", err)
	}
}

// Export converts an auto-key file to a caller-held key; import re-seals it
// under another platform's sealing key.
func TestExportImport(t *testing.T) {
	secretA := [KeySize]byte{0xAA}
	secretB := [KeySize]byte{0xBB}
	pfsA, base := setupSealedPFS(t, secretA)
	name := testName()
	data := patternData(70000)

	f, err := pfsA.OpenFile(name, "w+")
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	mustWriteAll(t, f, data)
	if err := f.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	key, err := pfsA.ExportAutoKey(name)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if key == ([KeySize]byte{}) {
		t.Fatal("exported key is zero")
	}

	// Platform B cannot open the file before import.
	pfsB, err := New(base, &Config{Platform: NewStaticSealer(secretB)})
	if err != nil {
		t.Fatalf("failed to create protectfs: %v", err)
	}
	if _, err := pfsB.Open(name); err == nil {
		t.Fatal("platform B opened the file before import")
	}

	if err := pfsB.ImportAutoKey(name, &key); err != nil {
		t.Fatalf("import failed: %v", err)
	}

	f, err = pfsB.Open(name)
	if err != nil {
		t.Fatalf("open after import failed: %v", err)
	}
	defer f.Close()
	got, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("content changed across export/import")
	}
}

func TestExportRejectsKDKFiles(t *testing.T) {
	pfs, _ := setupSealedPFS(t, [KeySize]byte{0x42})
	name := testName()

	f, err := pfs.OpenFileWithKey(name, "w+", testKDK())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	mustWriteAll(t, f, []byte("kdk"))
	if err := f.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	if _, err := pfs.ExportAutoKey(name); err == nil {
		t.Error("export of a KDK file must fail")
	}
}
