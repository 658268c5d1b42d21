package protectfs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/absfs/absfs"
	"github.com/absfs/memfs"
)

// faultFS wraps a base filesystem and fails writes to one target path after
// a configurable number of successful writes, simulating a crash mid-commit.
type faultFS struct {
	absfs.FileSystem
	target      string
	failAfter   int // remaining successful writes; -1 disables
	failSync    bool
	writeErrors int
}

func (ffs *faultFS) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	f, err := ffs.FileSystem.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	if name != ffs.target {
		return f, nil
	}
	return &faultFile{File: f, fs: ffs}, nil
}

type faultFile struct {
	absfs.File
	fs *faultFS
}

func (f *faultFile) Write(p []byte) (int, error) {
	if f.fs.failAfter == 0 {
		f.fs.writeErrors++
		return 0, errors.New("injected write failure")
	}
	if f.fs.failAfter > 0 {
		f.fs.failAfter--
	}
	return f.File.Write(p)
}

func (f *faultFile) Sync() error {
	if f.fs.failSync {
		return errors.New("injected sync failure")
	}
	return f.File.Sync()
}

func setupFaultPFS(t *testing.T, name string) (*FS, *faultFS) {
	t.Helper()
	base, err := memfs.NewFS()
	if err != nil {
		t.Fatalf("failed to create memfs: %v", err)
	}
	ffs := &faultFS{FileSystem: base, target: name, failAfter: -1}
	pfs, err := New(ffs, nil)
	if err != nil {
		t.Fatalf("failed to create protectfs: %v", err)
	}
	return pfs, ffs
}

// writeVersion creates or rewrites the container with the given content and
// closes it cleanly.
func writeVersion(t *testing.T, pfs *FS, name string, data []byte) {
	t.Helper()
	f, err := pfs.OpenFileWithKey(name, "w+", testKDK())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	mustWriteAll(t, f, data)
	if err := f.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

func readVersion(t *testing.T, pfs *FS, name string) []byte {
	t.Helper()
	f, err := pfs.OpenFileWithKey(name, "r", testKDK())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return data
}

// P6 / S5: a crash at any point of the commit phase - after the journal is
// durable - is rolled back to the pre-flush content by replay on the next
// open.
func TestCrashDuringCommitReplays(t *testing.T) {
	for failAfter := 0; failAfter < 6; failAfter++ {
		name := fmt.Sprintf("crash-%d", failAfter)
		pfs, ffs := setupFaultPFS(t, name)

		v1 := patternData(1 << 20)
		writeVersion(t, pfs, name, v1)

		// Start overwriting with v2, then fail the commit after failAfter
		// node writes have reached the container.
		f, err := pfs.OpenFileWithKey(name, "r+", testKDK())
		if err != nil {
			t.Fatalf("reopen failed: %v", err)
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			t.Fatalf("seek failed: %v", err)
		}
		mustWriteAll(t, f, bytes.Repeat([]byte{0x5A}, 1<<20))

		// Let the journal and the flag-set write through, then fail after
		// failAfter more node writes have reached the container.
		ffs.failAfter = 1 + failAfter
		err = f.Flush()
		if err == nil {
			t.Fatalf("failAfter=%d: flush unexpectedly succeeded", failAfter)
		}
		if f.Status() != StatusWriteToDiskFailed && f.Status() != StatusFlushError {
			t.Fatalf("failAfter=%d: status = %s", failAfter, f.Status())
		}
		// Crash: abandon the handle without closing. A fresh FS over the
		// same backing store simulates the next process.
		ffs.failAfter = -1
		fresh, err := New(ffs.FileSystem, nil)
		if err != nil {
			t.Fatalf("failed to create fresh protectfs: %v", err)
		}
		got := readVersion(t, fresh, name)
		if !bytes.Equal(got, v1) {
			t.Fatalf("failAfter=%d: replay did not restore the pre-flush content", failAfter)
		}
		if fileExists(ffs.FileSystem, name+RecoveryFileSuffix) {
			t.Fatalf("failAfter=%d: journal survived replay", failAfter)
		}
	}
}

// Before the journal is complete nothing of the container has been touched,
// so the pre-flush content is intact without replay.
func TestCrashBeforeJournalComplete(t *testing.T) {
	name := "crash-early"
	pfs, ffs := setupFaultPFS(t, name)

	v1 := patternData(200000)
	writeVersion(t, pfs, name, v1)
	pristine := containerBytes(t, ffs.FileSystem, name)

	f, err := pfs.OpenFileWithKey(name, "r+", testKDK())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		t.Fatalf("seek failed: %v", err)
	}
	mustWriteAll(t, f, bytes.Repeat([]byte{0x77}, 200000))

	// Fail the very first write to the container: the flag set. The journal
	// (a different path) is complete by then; the container is untouched.
	ffs.failAfter = 0
	if err := f.Flush(); err == nil {
		t.Fatal("flush unexpectedly succeeded")
	}
	ffs.failAfter = -1

	if got := containerBytes(t, ffs.FileSystem, name); !bytes.Equal(got, pristine) {
		t.Fatal("container changed before the commit phase")
	}

	fresh, err := New(ffs.FileSystem, nil)
	if err != nil {
		t.Fatalf("failed to create fresh protectfs: %v", err)
	}
	if got := readVersion(t, fresh, name); !bytes.Equal(got, v1) {
		t.Fatal("pre-flush content lost")
	}
}

// Replay is idempotent: applying the same journal twice yields the same
// container bytes.
func TestReplayIdempotent(t *testing.T) {
	name := "replay-twice"
	pfs, ffs := setupFaultPFS(t, name)
	base := ffs.FileSystem

	writeVersion(t, pfs, name, patternData(300000))

	f, err := pfs.OpenFileWithKey(name, "r+", testKDK())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		t.Fatalf("seek failed: %v", err)
	}
	mustWriteAll(t, f, bytes.Repeat([]byte{0x33}, 300000))
	ffs.failAfter = 3
	if err := f.Flush(); err == nil {
		t.Fatal("flush unexpectedly succeeded")
	}
	ffs.failAfter = -1

	journal := containerBytes(t, base, name+RecoveryFileSuffix)

	if err := replayRecovery(base, name, name+RecoveryFileSuffix); err != nil {
		t.Fatalf("first replay failed: %v", err)
	}
	once := containerBytes(t, base, name)

	// Put the journal back and replay again.
	wf, err := base.OpenFile(name+RecoveryFileSuffix, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		t.Fatalf("failed to restore journal: %v", err)
	}
	if _, err := wf.Write(journal); err != nil {
		t.Fatalf("failed to restore journal: %v", err)
	}
	wf.Close()
	if err := replayRecovery(base, name, name+RecoveryFileSuffix); err != nil {
		t.Fatalf("second replay failed: %v", err)
	}
	twice := containerBytes(t, base, name)

	if !bytes.Equal(once, twice) {
		t.Error("replay is not idempotent")
	}
}

// A journal whose size is not a whole number of records is rejected and the
// file stays unopenable.
func TestMalformedJournal(t *testing.T) {
	pfs, base := setupPFS(t)
	name := testName()

	writeVersion(t, pfs, name, []byte("content"))

	wf, err := base.OpenFile(name+RecoveryFileSuffix, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		t.Fatalf("failed to plant journal: %v", err)
	}
	wf.Write([]byte("short and bogus"))
	wf.Close()

	if _, err := pfs.OpenFileWithKey(name, "r", testKDK()); !errors.Is(err, ErrRecoveryNeeded) {
		t.Errorf("open with malformed journal = %v, want ErrRecoveryNeeded", err)
	}
	if !fileExists(base, name+RecoveryFileSuffix) {
		t.Error("malformed journal must be left in place")
	}
}

// I5: after a clean close no recovery file exists.
func TestNoJournalAfterCleanClose(t *testing.T) {
	pfs, base := setupPFS(t)
	name := testName()

	writeVersion(t, pfs, name, patternData(500000))
	if fileExists(base, name+RecoveryFileSuffix) {
		t.Error("journal survived a clean close")
	}
}

// A failed flush is recoverable: ClearError retries and the file continues.
func TestClearErrorRecoversFlush(t *testing.T) {
	name := "clear-error"
	pfs, ffs := setupFaultPFS(t, name)

	writeVersion(t, pfs, name, patternData(100000))

	f, err := pfs.OpenFileWithKey(name, "r+", testKDK())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		t.Fatalf("seek failed: %v", err)
	}
	want := bytes.Repeat([]byte{0xC3}, 100000)
	mustWriteAll(t, f, want)

	ffs.failAfter = 2
	if err := f.Flush(); err == nil {
		t.Fatal("flush unexpectedly succeeded")
	}
	if st := f.Status(); !st.recoverable() {
		t.Fatalf("status = %s, want recoverable", st)
	}
	if _, err := f.Write([]byte("x")); !errors.Is(err, ErrBadStatus) {
		t.Errorf("write in error state = %v, want ErrBadStatus", err)
	}

	ffs.failAfter = -1
	f.ClearError()
	if st := f.Status(); st != StatusOK {
		t.Fatalf("status after ClearError = %s", st)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	if got := readVersion(t, pfs, name); !bytes.Equal(got, want) {
		t.Error("content lost across flush retry")
	}
	if fileExists(ffs.FileSystem, name+RecoveryFileSuffix) {
		t.Error("journal survived a recovered flush")
	}
}

// A failing Sync surfaces as a recoverable flush error too.
func TestSyncFailureIsRecoverable(t *testing.T) {
	name := "sync-fail"
	pfs, ffs := setupFaultPFS(t, name)

	writeVersion(t, pfs, name, []byte("v1"))

	f, err := pfs.OpenFileWithKey(name, "r+", testKDK())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	mustWriteAll(t, f, []byte("v2"))
	ffs.failSync = true
	if err := f.Flush(); err == nil {
		t.Fatal("flush unexpectedly succeeded")
	}
	if st := f.Status(); !st.recoverable() {
		t.Fatalf("status = %s, want recoverable", st)
	}
	ffs.failSync = false
	f.ClearError()
	if f.Status() != StatusOK {
		t.Fatalf("status after ClearError = %s", f.Status())
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}
