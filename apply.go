package goldboot

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
)

// Target is the destination Apply writes blocks into. *os.File satisfies it
// directly.
type Target interface {
	io.ReadWriteSeeker
	Truncate(size int64) error
}

// Apply writes every block described by h's digest table into target,
// skipping blocks whose current contents already hash to the stored digest.
// This makes Apply idempotent: re-running it after a partial or interrupted
// run only rewrites the blocks that still differ.
//
// h must have been loaded with Load first.
func Apply(h *Handle, target Target, opts ...ApplyOption) error {
	if h.state < stateLoaded {
		return ErrNotLoaded
	}

	o := defaultApplyOptions()
	for _, opt := range opts {
		opt(o)
	}

	if err := ensureTargetSize(target, int64(h.primary.size)); err != nil {
		return err
	}

	clusterFile, err := os.Open(h.path)
	if err != nil {
		return fmt.Errorf("goldboot: failed to open image for reading clusters: %w", err)
	}
	defer clusterFile.Close()

	encrypted := h.protected.clusterEncryption == ClusterEncryptionAes256
	blockSize := int(h.protected.blockSize)
	block := make([]byte, blockSize)

	for i, entry := range h.digests.entries {
		if _, err := target.Seek(int64(entry.blockOffset), io.SeekStart); err != nil {
			return fmt.Errorf("goldboot: failed to seek target to block %d: %w", entry.blockOffset, err)
		}
		if _, err := io.ReadFull(target, block); err != nil {
			return fmt.Errorf("goldboot: failed to read target block at %d: %w", entry.blockOffset, err)
		}

		if sha256.Sum256(block) != entry.digest {
			plain, err := readCluster(clusterFile, entry, h.protected, encrypted, i)
			if err != nil {
				return err
			}
			if _, err := target.Seek(int64(entry.blockOffset), io.SeekStart); err != nil {
				return fmt.Errorf("goldboot: failed to seek target to block %d: %w", entry.blockOffset, err)
			}
			if _, err := target.Write(plain); err != nil {
				return fmt.Errorf("goldboot: failed to write target block at %d: %w", entry.blockOffset, err)
			}
		}

		if o.progress != nil {
			o.progress(entry.blockOffset + uint64(blockSize))
		}
	}

	h.state = stateApplied
	return nil
}

// readCluster reads, decrypts, and decompresses the cluster for digest
// table entry i.
func readCluster(f *os.File, entry digestTableEntry, protected *protectedHeader, encrypted bool, i int) ([]byte, error) {
	if _, err := f.Seek(int64(entry.clusterOffset), io.SeekStart); err != nil {
		return nil, fmt.Errorf("goldboot: failed to seek to cluster at %d: %w", entry.clusterOffset, err)
	}

	var sizeBuf [4]byte
	if _, err := io.ReadFull(f, sizeBuf[:]); err != nil {
		return nil, &ErrCorrupt{Region: "cluster", Offset: int64(entry.clusterOffset), Reason: err.Error()}
	}
	size, err := decodeClusterSize(sizeBuf[:])
	if err != nil {
		return nil, err
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(f, body); err != nil {
		return nil, &ErrCorrupt{Region: "cluster", Offset: int64(entry.clusterOffset) + 4, Reason: err.Error()}
	}

	if encrypted {
		if i >= len(protected.nonceTable) {
			return nil, &ErrCorrupt{Region: "protected_header", Offset: int64(entry.clusterOffset), Reason: "nonce_table has no entry for this cluster"}
		}
		body, err = openRegion(protected.clusterKey, protected.nonceTable[i], body)
		if err != nil {
			return nil, &ErrAuthenticationFailed{Region: "cluster"}
		}
	}

	switch protected.clusterCompression {
	case ClusterCompressionNone:
		return body, nil
	case ClusterCompressionZstd:
		return decompressBlock(body, int(protected.blockSize))
	default:
		return nil, &ErrCorrupt{Region: "protected_header", Offset: 0, Reason: "invalid cluster_compression"}
	}
}

// ensureTargetSize extends target to at least size bytes, leaving its
// current contents untouched. It never shrinks the target.
func ensureTargetSize(target Target, size int64) error {
	cur, err := target.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("goldboot: failed to determine target size: %w", err)
	}
	if cur < size {
		if err := target.Truncate(size); err != nil {
			return fmt.Errorf("goldboot: failed to extend target to %d bytes: %w", size, err)
		}
	}
	return nil
}
