package protectfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// On-disk node schemas. All layouts are little-endian, packed, and frozen:
// any deviation breaks the child-authentication invariant.

const (
	// FileID is the magic number of the metadata node ("SGX_FILE").
	FileID = 0x5347585F46494C45

	// MajorVersion and MinorVersion identify the on-disk format.
	MajorVersion = 1
	MinorVersion = 0

	// metaPlainSize is the packed size of the metadata plain part.
	metaPlainSize = 8 + 1 + 1 + KeyIDSize + 16 + 2 + 1 + 16 + GMACSize + 1 // 94

	// metaEncryptedSize is the packed size of the metadata encrypted part.
	metaEncryptedSize = FilenameMaxLen + 8 + 16 + 4 + KeySize + GMACSize + MDUserDataSize // 3392

	// recoveryNodeSize is the size of one recovery journal record.
	recoveryNodeSize = 8 + NodeSize
)

// Offsets within the metadata plain part.
const (
	mpOffFileID     = 0
	mpOffMajor      = 8
	mpOffMinor      = 9
	mpOffKeyID      = 10
	mpOffCPUSVN     = 42
	mpOffISVSVN     = 58
	mpOffUseUserKDK = 60
	mpOffAttrFlags  = 61
	mpOffAttrXfrm   = 69
	mpOffGMAC       = 77
	mpOffUpdateFlag = 93
)

// Offsets within the metadata encrypted part.
const (
	meOffFilename = 0
	meOffSize     = 260
	meOffMCUUID   = 268
	meOffMCValue  = 284
	meOffMhtKey   = 288
	meOffMhtGmac  = 304
	meOffData     = 320
)

// metaPlain is the cleartext header of the metadata node.
type metaPlain struct {
	FileID     uint64
	Major      uint8
	Minor      uint8
	KeyID      [KeyIDSize]byte
	CPUSVN     [16]byte
	ISVSVN     uint16
	UseUserKDK uint8
	AttrFlags  uint64
	AttrXfrm   uint64
	GMAC       [GMACSize]byte
	UpdateFlag uint8
}

func (p *metaPlain) marshal(dst []byte) {
	binary.LittleEndian.PutUint64(dst[mpOffFileID:], p.FileID)
	dst[mpOffMajor] = p.Major
	dst[mpOffMinor] = p.Minor
	copy(dst[mpOffKeyID:], p.KeyID[:])
	copy(dst[mpOffCPUSVN:], p.CPUSVN[:])
	binary.LittleEndian.PutUint16(dst[mpOffISVSVN:], p.ISVSVN)
	dst[mpOffUseUserKDK] = p.UseUserKDK
	binary.LittleEndian.PutUint64(dst[mpOffAttrFlags:], p.AttrFlags)
	binary.LittleEndian.PutUint64(dst[mpOffAttrXfrm:], p.AttrXfrm)
	copy(dst[mpOffGMAC:], p.GMAC[:])
	dst[mpOffUpdateFlag] = p.UpdateFlag
}

func (p *metaPlain) unmarshal(src []byte) {
	p.FileID = binary.LittleEndian.Uint64(src[mpOffFileID:])
	p.Major = src[mpOffMajor]
	p.Minor = src[mpOffMinor]
	copy(p.KeyID[:], src[mpOffKeyID:])
	copy(p.CPUSVN[:], src[mpOffCPUSVN:])
	p.ISVSVN = binary.LittleEndian.Uint16(src[mpOffISVSVN:])
	p.UseUserKDK = src[mpOffUseUserKDK]
	p.AttrFlags = binary.LittleEndian.Uint64(src[mpOffAttrFlags:])
	p.AttrXfrm = binary.LittleEndian.Uint64(src[mpOffAttrXfrm:])
	copy(p.GMAC[:], src[mpOffGMAC:])
	p.UpdateFlag = src[mpOffUpdateFlag]
}

// metaEncrypted is the plaintext of the sealed portion of the metadata node.
type metaEncrypted struct {
	CleanFilename [FilenameMaxLen]byte
	Size          int64
	MCUUID        [16]byte
	MCValue       uint32
	MhtKey        [KeySize]byte
	MhtGmac       [GMACSize]byte
	Data          [MDUserDataSize]byte
}

func (e *metaEncrypted) marshal(dst []byte) {
	copy(dst[meOffFilename:], e.CleanFilename[:])
	binary.LittleEndian.PutUint64(dst[meOffSize:], uint64(e.Size))
	copy(dst[meOffMCUUID:], e.MCUUID[:])
	binary.LittleEndian.PutUint32(dst[meOffMCValue:], e.MCValue)
	copy(dst[meOffMhtKey:], e.MhtKey[:])
	copy(dst[meOffMhtGmac:], e.MhtGmac[:])
	copy(dst[meOffData:], e.Data[:])
}

func (e *metaEncrypted) unmarshal(src []byte) {
	copy(e.CleanFilename[:], src[meOffFilename:])
	e.Size = int64(binary.LittleEndian.Uint64(src[meOffSize:]))
	copy(e.MCUUID[:], src[meOffMCUUID:])
	e.MCValue = binary.LittleEndian.Uint32(src[meOffMCValue:])
	copy(e.MhtKey[:], src[meOffMhtKey:])
	copy(e.MhtGmac[:], src[meOffMhtGmac:])
	copy(e.Data[:], src[meOffData:])
}

// filename returns the stored canonical basename.
func (e *metaEncrypted) filename() string {
	name := e.CleanFilename[:]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return string(name)
}

// setFilename stores the canonical basename, NUL-padded.
func (e *metaEncrypted) setFilename(name string) error {
	if len(name) >= FilenameMaxLen {
		return fmt.Errorf("%w: filename longer than %d bytes", ErrInvalidArgument, FilenameMaxLen-1)
	}
	zeroize(e.CleanFilename[:])
	copy(e.CleanFilename[:], name)
	return nil
}

// wipe scrubs the secrets held in the encrypted part.
func (e *metaEncrypted) wipe() {
	zeroize(e.CleanFilename[:])
	zeroize(e.MhtKey[:])
	zeroize(e.MhtGmac[:])
	zeroize(e.Data[:])
	e.Size = 0
	e.MCValue = 0
	zeroize(e.MCUUID[:])
}

// gcmCryptoData is one child slot of an MHT node: the key the child was
// sealed with and the resulting GMAC.
type gcmCryptoData struct {
	Key  [KeySize]byte
	Gmac [GMACSize]byte
}

const gcmCryptoDataSize = KeySize + GMACSize // 32

// mhtDataSlot returns the byte range of the slot for attached data node
// index i (0..95) within an MHT node's plaintext.
func mhtDataSlot(plain []byte, i int) []byte {
	off := i * gcmCryptoDataSize
	return plain[off : off+gcmCryptoDataSize]
}

// mhtChildSlot returns the byte range of the slot for child MHT node index
// j (0..31) within an MHT node's plaintext.
func mhtChildSlot(plain []byte, j int) []byte {
	off := AttachedDataNodesCount*gcmCryptoDataSize + j*gcmCryptoDataSize
	return plain[off : off+gcmCryptoDataSize]
}

// readCryptoData decodes a slot.
func readCryptoData(slot []byte) gcmCryptoData {
	var c gcmCryptoData
	copy(c.Key[:], slot[:KeySize])
	copy(c.Gmac[:], slot[KeySize:])
	return c
}

// writeCryptoData encodes a slot.
func writeCryptoData(slot []byte, key *[KeySize]byte, gmac *[GMACSize]byte) {
	copy(slot[:KeySize], key[:])
	copy(slot[KeySize:], gmac[:])
}
