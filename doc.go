// Package protectfs implements a single-file, transparently encrypted and
// integrity-authenticated random-access file container on top of the AbsFs
// filesystem abstraction.
//
// # Overview
//
// A protected file is a sequence of fixed 4096-byte nodes organised into a
// Merkle hash tree (MHT). Every data node is AES-128-GCM encrypted under a
// key derived per node, and every parent node authenticates its children
// through stored (key, GMAC) pairs. The root of the tree is the file's
// metadata node, whose encrypted portion is sealed under a key derived from
// either a caller-supplied key-derivation key (KDK) or a platform sealing
// key, using an SP800-108 counter-mode CMAC KDF.
//
// The package exposes a stream-style API with POSIX-like semantics:
//
//	base, _ := memfs.NewFS()
//	pfs, _ := protectfs.New(base, nil)
//
//	kdk := [16]byte{ /* caller-supplied secret */ }
//	f, _ := pfs.OpenFileWithKey("secrets.bin", "w+", &kdk)
//	f.Write([]byte("this never touches the disk in the clear"))
//	f.Close()
//
// # Guarantees
//
// Protected Against:
//   - Unauthorized access to file contents at rest
//   - Tampering with any on-disk byte (authenticated encryption at every
//     level of the tree; a single flipped bit fails the next open or read)
//   - Rollback of individual nodes (each parent authenticates the exact
//     ciphertext of its children)
//   - Torn multi-node updates (a pre-image recovery journal makes every
//     flush atomic with respect to crashes)
//
// Not Protected Against:
//   - Memory dumps while plaintext nodes are cached
//   - Side-channel attacks (timing, cache)
//   - Denial of service by a privileged user ignoring the advisory lock
//   - Metadata leakage (file size class, access patterns)
//
// # File Layout
//
// Node 0 is the metadata node: a plain part (magic, version, key id, GMAC,
// update flag) followed by an encrypted part holding the canonical filename,
// the logical size, the root MHT key and GMAC, and a 3072-byte inline region
// that stores the first 3072 bytes of every file. Node 1 is the root MHT
// node. After that, nodes repeat in groups of 97: one MHT node followed by
// its 96 attached data nodes. Files of 3072 bytes or less occupy exactly one
// node on disk.
//
// # Keys
//
// Every node stores the key and GMAC of each of its children, never its own.
// Data and MHT node keys are single-use: each flush derives a fresh random
// key per dirty node from an ephemeral session master key, which is itself
// rotated every 65536 derivations. The metadata key is re-derived on every
// flush, either from the caller's KDK (with a 32-byte nonce persisted in the
// metadata plain part) or from the platform sealing key.
//
// # Crash Consistency
//
// Before any node is overwritten, its current on-disk image is appended to a
// sidecar recovery file (path + "_recovery"). The metadata node is written
// with an update-in-progress flag before the tree is rewritten, and the flag
// is cleared only after every node has reached the backing file. Opening a
// path whose recovery file exists replays the journal before any other
// validation, restoring the pre-flush state.
package protectfs
