package goldboot

import (
	"encoding/binary"
	"fmt"
)

// Magic is the four-byte tag that opens every GBF file.
var Magic = [4]byte{0xc0, 0x1d, 0xb0, 0x01}

// FormatVersion is the only version this implementation understands.
const FormatVersion = 1

// EncryptionType selects whether PrimaryHeader.encryption_type applies to
// the header regions (ProtectedHeader, Config, DigestTable, Directory).
type EncryptionType uint8

const (
	EncryptionNone   EncryptionType = 0
	EncryptionAes256 EncryptionType = 1
)

func (e EncryptionType) valid() bool {
	return e == EncryptionNone || e == EncryptionAes256
}

// ClusterCompression selects the compression algorithm applied to cluster
// bodies before encryption.
type ClusterCompression uint8

const (
	ClusterCompressionNone ClusterCompression = 0
	ClusterCompressionZstd ClusterCompression = 1
)

func (c ClusterCompression) valid() bool {
	return c == ClusterCompressionNone || c == ClusterCompressionZstd
}

// ClusterEncryption selects the cipher applied to cluster bodies after
// compression.
type ClusterEncryption uint8

const (
	ClusterEncryptionNone   ClusterEncryption = 0
	ClusterEncryptionAes256 ClusterEncryption = 1
)

func (c ClusterEncryption) valid() bool {
	return c == ClusterEncryptionNone || c == ClusterEncryptionAes256
}

// nameFieldSize is the fixed width of PrimaryHeader.name.
const nameFieldSize = 64

// primaryHeaderSize is the encoded size of PrimaryHeader: magic(4) +
// version(1) + size(8) + timestamp(8) + encryption_type(1) + name(64) +
// directory_nonce(12) + directory_offset(8) + directory_size(4).
const primaryHeaderSize = 4 + 1 + 8 + 8 + 1 + nameFieldSize + 12 + 8 + 4

// primaryHeader is always plaintext, even when every other region is sealed.
type primaryHeader struct {
	version         uint8
	size            uint64
	timestamp       uint64
	encryptionType  EncryptionType
	name            [nameFieldSize]byte
	directoryNonce  [nonceSize]byte
	directoryOffset uint64
	directorySize   uint32
}

func encodeName(name string) ([nameFieldSize]byte, error) {
	var out [nameFieldSize]byte
	if len(name) > nameFieldSize {
		return out, fmt.Errorf("goldboot: name %q exceeds %d bytes", name, nameFieldSize)
	}
	copy(out[:], name)
	return out, nil
}

func decodeName(b [nameFieldSize]byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

func (h *primaryHeader) encode() []byte {
	buf := make([]byte, primaryHeaderSize)
	off := 0
	copy(buf[off:], Magic[:])
	off += 4
	buf[off] = h.version
	off++
	binary.BigEndian.PutUint64(buf[off:], h.size)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], h.timestamp)
	off += 8
	buf[off] = uint8(h.encryptionType)
	off++
	copy(buf[off:], h.name[:])
	off += nameFieldSize
	copy(buf[off:], h.directoryNonce[:])
	off += nonceSize
	binary.BigEndian.PutUint64(buf[off:], h.directoryOffset)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], h.directorySize)
	off += 4
	return buf
}

func decodePrimaryHeader(buf []byte) (*primaryHeader, error) {
	if len(buf) < primaryHeaderSize {
		return nil, &ErrCorrupt{Region: "primary_header", Offset: 0, Reason: fmt.Sprintf("truncated: have %d bytes, want %d", len(buf), primaryHeaderSize)}
	}
	var magic [4]byte
	copy(magic[:], buf[0:4])
	if magic != Magic {
		return nil, &ErrUnsupported{Reason: "bad magic"}
	}

	h := &primaryHeader{}
	off := 4
	h.version = buf[off]
	off++
	if h.version != FormatVersion {
		return nil, &ErrUnsupported{Reason: fmt.Sprintf("version %d", h.version)}
	}
	h.size = binary.BigEndian.Uint64(buf[off:])
	off += 8
	h.timestamp = binary.BigEndian.Uint64(buf[off:])
	off += 8
	h.encryptionType = EncryptionType(buf[off])
	off++
	if !h.encryptionType.valid() {
		return nil, &ErrCorrupt{Region: "primary_header", Offset: int64(off - 1), Reason: "invalid encryption_type"}
	}
	copy(h.name[:], buf[off:off+nameFieldSize])
	off += nameFieldSize
	copy(h.directoryNonce[:], buf[off:off+nonceSize])
	off += nonceSize
	h.directoryOffset = binary.BigEndian.Uint64(buf[off:])
	off += 8
	h.directorySize = binary.BigEndian.Uint32(buf[off:])
	off += 4

	return h, nil
}

// protectedHeader may be encrypted.
type protectedHeader struct {
	blockSize          uint32
	clusterCount       uint32
	clusterCompression ClusterCompression
	clusterEncryption  ClusterEncryption
	nonceTable         [][nonceSize]byte
	clusterKey         [keySize]byte
}

func (h *protectedHeader) encode() []byte {
	size := 4 + 4 + 1 + 1 + 4 + len(h.nonceTable)*nonceSize + keySize
	buf := make([]byte, size)
	off := 0
	binary.BigEndian.PutUint32(buf[off:], h.blockSize)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], h.clusterCount)
	off += 4
	buf[off] = uint8(h.clusterCompression)
	off++
	buf[off] = uint8(h.clusterEncryption)
	off++
	binary.BigEndian.PutUint32(buf[off:], uint32(len(h.nonceTable)))
	off += 4
	for _, n := range h.nonceTable {
		copy(buf[off:], n[:])
		off += nonceSize
	}
	copy(buf[off:], h.clusterKey[:])
	off += keySize
	return buf
}

func decodeProtectedHeader(buf []byte) (*protectedHeader, error) {
	const fixed = 4 + 4 + 1 + 1 + 4
	if len(buf) < fixed {
		return nil, &ErrCorrupt{Region: "protected_header", Offset: 0, Reason: "truncated fixed fields"}
	}
	h := &protectedHeader{}
	off := 0
	h.blockSize = binary.BigEndian.Uint32(buf[off:])
	off += 4
	if h.blockSize == 0 || h.blockSize&(h.blockSize-1) != 0 {
		return nil, &ErrCorrupt{Region: "protected_header", Offset: int64(off - 4), Reason: "block_size is not a power of two"}
	}
	h.clusterCount = binary.BigEndian.Uint32(buf[off:])
	off += 4
	h.clusterCompression = ClusterCompression(buf[off])
	off++
	if !h.clusterCompression.valid() {
		return nil, &ErrCorrupt{Region: "protected_header", Offset: int64(off - 1), Reason: "invalid cluster_compression"}
	}
	h.clusterEncryption = ClusterEncryption(buf[off])
	off++
	if !h.clusterEncryption.valid() {
		return nil, &ErrCorrupt{Region: "protected_header", Offset: int64(off - 1), Reason: "invalid cluster_encryption"}
	}
	nonceCount := binary.BigEndian.Uint32(buf[off:])
	off += 4

	need := int(nonceCount)*nonceSize + keySize
	if len(buf)-off < need {
		return nil, &ErrCorrupt{Region: "protected_header", Offset: int64(off), Reason: "truncated nonce table or cluster key"}
	}

	h.nonceTable = make([][nonceSize]byte, nonceCount)
	for i := range h.nonceTable {
		copy(h.nonceTable[i][:], buf[off:])
		off += nonceSize
	}
	copy(h.clusterKey[:], buf[off:off+keySize])
	off += keySize

	if h.clusterEncryption == ClusterEncryptionAes256 {
		if nonceCount != h.clusterCount {
			return nil, &ErrCorrupt{Region: "protected_header", Offset: 0, Reason: "nonce_count does not match cluster_count"}
		}
	} else if nonceCount != 0 {
		return nil, &ErrCorrupt{Region: "protected_header", Offset: 0, Reason: "nonce_count must be zero when cluster_encryption is none"}
	}

	return h, nil
}

// directory holds nonces and offsets/sizes for the other three header
// regions.
type directory struct {
	protectedNonce    [nonceSize]byte
	protectedSize     uint32
	configNonce       [nonceSize]byte
	configOffset      uint64
	configSize        uint32
	digestTableNonce  [nonceSize]byte
	digestTableOffset uint64
	digestTableSize   uint32
}

const directorySize = nonceSize + 4 + nonceSize + 8 + 4 + nonceSize + 8 + 4

func (d *directory) encode() []byte {
	buf := make([]byte, directorySize)
	off := 0
	copy(buf[off:], d.protectedNonce[:])
	off += nonceSize
	binary.BigEndian.PutUint32(buf[off:], d.protectedSize)
	off += 4
	copy(buf[off:], d.configNonce[:])
	off += nonceSize
	binary.BigEndian.PutUint64(buf[off:], d.configOffset)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], d.configSize)
	off += 4
	copy(buf[off:], d.digestTableNonce[:])
	off += nonceSize
	binary.BigEndian.PutUint64(buf[off:], d.digestTableOffset)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], d.digestTableSize)
	off += 4
	return buf
}

func decodeDirectory(buf []byte) (*directory, error) {
	if len(buf) < directorySize {
		return nil, &ErrCorrupt{Region: "directory", Offset: 0, Reason: fmt.Sprintf("truncated: have %d bytes, want %d", len(buf), directorySize)}
	}
	d := &directory{}
	off := 0
	copy(d.protectedNonce[:], buf[off:])
	off += nonceSize
	d.protectedSize = binary.BigEndian.Uint32(buf[off:])
	off += 4
	copy(d.configNonce[:], buf[off:])
	off += nonceSize
	d.configOffset = binary.BigEndian.Uint64(buf[off:])
	off += 8
	d.configSize = binary.BigEndian.Uint32(buf[off:])
	off += 4
	copy(d.digestTableNonce[:], buf[off:])
	off += nonceSize
	d.digestTableOffset = binary.BigEndian.Uint64(buf[off:])
	off += 8
	d.digestTableSize = binary.BigEndian.Uint32(buf[off:])
	off += 4
	return d, nil
}

// digestTableEntry corresponds to one populated cluster.
type digestTableEntry struct {
	clusterOffset uint64
	blockOffset   uint64
	digest        [32]byte
}

const digestTableEntrySize = 8 + 8 + 32

// digestTable is encrypted iff header encryption is enabled.
type digestTable struct {
	entries []digestTableEntry
}

func (t *digestTable) encode() []byte {
	buf := make([]byte, 4+len(t.entries)*digestTableEntrySize)
	binary.BigEndian.PutUint32(buf, uint32(len(t.entries)))
	off := 4
	for _, e := range t.entries {
		binary.BigEndian.PutUint64(buf[off:], e.clusterOffset)
		off += 8
		binary.BigEndian.PutUint64(buf[off:], e.blockOffset)
		off += 8
		copy(buf[off:], e.digest[:])
		off += 32
	}
	return buf
}

func decodeDigestTable(buf []byte) (*digestTable, error) {
	if len(buf) < 4 {
		return nil, &ErrCorrupt{Region: "digest_table", Offset: 0, Reason: "truncated count"}
	}
	count := binary.BigEndian.Uint32(buf)
	off := 4
	need := int(count) * digestTableEntrySize
	if len(buf)-off < need {
		return nil, &ErrCorrupt{Region: "digest_table", Offset: int64(off), Reason: "truncated entries"}
	}

	t := &digestTable{entries: make([]digestTableEntry, count)}
	for i := range t.entries {
		e := &t.entries[i]
		e.clusterOffset = binary.BigEndian.Uint64(buf[off:])
		off += 8
		e.blockOffset = binary.BigEndian.Uint64(buf[off:])
		off += 8
		copy(e.digest[:], buf[off:])
		off += 32
	}
	return t, nil
}

// encodeCluster serializes a Cluster record: size(u32) followed by data.
func encodeCluster(data []byte) []byte {
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	return buf
}

// decodeClusterSize reads just the 4-byte size prefix of a Cluster record.
func decodeClusterSize(buf []byte) (uint32, error) {
	if len(buf) < 4 {
		return 0, &ErrCorrupt{Region: "cluster", Offset: 0, Reason: "truncated size prefix"}
	}
	return binary.BigEndian.Uint32(buf), nil
}
