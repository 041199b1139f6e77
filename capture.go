package goldboot

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/goldboot/goldboot/internal/qcow2"
)

// Capture reads the populated clusters of the qcow2 image at qcow2Path and
// writes a new GBF image to outPath, describing it with manifest. If
// manifest.Password is set, every region but PrimaryHeader is encrypted and
// cluster bodies are encrypted under a freshly generated cluster key.
//
// Capture writes to a scratch file beside outPath and renames it into place
// only once the image is fully written, so a crash or error mid-capture
// never leaves a partial file at outPath.
func Capture(qcow2Path string, manifest Manifest, outPath string, opts ...CaptureOption) (*Handle, error) {
	o := defaultCaptureOptions()
	for _, opt := range opts {
		opt(o)
	}

	if err := manifest.Validate(); err != nil {
		return nil, err
	}

	src, err := qcow2.Open(qcow2Path)
	if err != nil {
		return nil, &ErrQcowRead{Err: err}
	}
	defer src.Close()

	clusterCount, err := src.CountPopulatedClusters()
	if err != nil {
		return nil, &ErrQcowRead{Err: err}
	}

	scratch := fmt.Sprintf("%s.%s.tmp", outPath, uuid.NewString())
	dest, err := os.Create(scratch)
	if err != nil {
		return nil, fmt.Errorf("goldboot: failed to create output file: %w", err)
	}
	succeeded := false
	defer func() {
		dest.Close()
		if !succeeded {
			os.Remove(scratch)
		}
	}()

	encrypted := manifest.Password != nil
	encType := EncryptionNone
	if encrypted {
		encType = EncryptionAes256
	}
	headerKey := deriveHeaderKey(manifest.Password)

	clusterKey, err := newClusterKey()
	if err != nil {
		return nil, err
	}

	dir := &directory{}
	if dir.protectedNonce, err = newNonce(); err != nil {
		return nil, err
	}
	if dir.configNonce, err = newNonce(); err != nil {
		return nil, err
	}
	if dir.digestTableNonce, err = newNonce(); err != nil {
		return nil, err
	}

	ph := &primaryHeader{
		version:        FormatVersion,
		size:           uint64(src.Size()),
		timestamp:      uint64(time.Now().Unix()),
		encryptionType: encType,
	}
	if ph.directoryNonce, err = newNonce(); err != nil {
		return nil, err
	}
	if ph.name, err = encodeName(manifest.Name); err != nil {
		return nil, err
	}

	protected := &protectedHeader{
		blockSize:          uint32(src.ClusterSize()),
		clusterCount:       uint32(clusterCount),
		clusterCompression: ClusterCompressionZstd,
		clusterKey:         clusterKey,
	}
	if encrypted {
		protected.clusterEncryption = ClusterEncryptionAes256
		protected.nonceTable = make([][nonceSize]byte, clusterCount)
		for i := range protected.nonceTable {
			if protected.nonceTable[i], err = newNonce(); err != nil {
				return nil, err
			}
		}
	}

	// Reserve space for the primary header; it is rewritten last once
	// directory_offset/size are known.
	if _, err := dest.Write(make([]byte, primaryHeaderSize)); err != nil {
		return nil, fmt.Errorf("goldboot: failed to reserve primary header: %w", err)
	}

	protectedPlain := protected.encode()
	protectedBytes := protectedPlain
	if encrypted {
		if protectedBytes, err = sealRegion(headerKey, dir.protectedNonce, protectedPlain); err != nil {
			return nil, fmt.Errorf("goldboot: failed to seal protected header: %w", err)
		}
	}
	dir.protectedSize = uint32(len(protectedBytes))
	if _, err := dest.Write(protectedBytes); err != nil {
		return nil, fmt.Errorf("goldboot: failed to write protected header: %w", err)
	}

	configPlain, err := json.Marshal(manifest.withoutPassword())
	if err != nil {
		return nil, fmt.Errorf("goldboot: failed to marshal config: %w", err)
	}
	configBytes := configPlain
	if encrypted {
		if configBytes, err = sealRegion(headerKey, dir.configNonce, configPlain); err != nil {
			return nil, fmt.Errorf("goldboot: failed to seal config: %w", err)
		}
	}
	configOffset, err := dest.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("goldboot: failed to read stream position: %w", err)
	}
	dir.configOffset = uint64(configOffset)
	dir.configSize = uint32(len(configBytes))
	if _, err := dest.Write(configBytes); err != nil {
		return nil, fmt.Errorf("goldboot: failed to write config: %w", err)
	}

	digests := &digestTable{entries: make([]digestTableEntry, 0, clusterCount)}

	clusterOrdinal := 0
	var clusterErr error
	walkErr := src.PopulatedClusters(func(blockOffset uint64, data []byte) (err error) {
		defer func() { clusterErr = err }()
		clusterOffset, err := dest.Seek(0, io.SeekCurrent)
		if err != nil {
			return fmt.Errorf("goldboot: failed to read stream position: %w", err)
		}

		digest := sha256.Sum256(data)

		body, err := compressBlock(data, o.compressionLevel)
		if err != nil {
			return err
		}
		if encrypted {
			if body, err = sealRegion(clusterKey, protected.nonceTable[clusterOrdinal], body); err != nil {
				return fmt.Errorf("goldboot: failed to seal cluster: %w", err)
			}
		}

		if _, err := dest.Write(encodeCluster(body)); err != nil {
			return fmt.Errorf("goldboot: failed to write cluster: %w", err)
		}

		digests.entries = append(digests.entries, digestTableEntry{
			clusterOffset: uint64(clusterOffset),
			blockOffset:   blockOffset,
			digest:        digest,
		})
		clusterOrdinal++

		if o.progress != nil {
			o.progress(blockOffset + uint64(len(data)))
		}
		return nil
	})
	if walkErr != nil {
		if clusterErr != nil {
			return nil, clusterErr
		}
		return nil, &ErrQcowRead{Err: walkErr}
	}

	digestPlain := digests.encode()
	digestBytes := digestPlain
	if encrypted {
		if digestBytes, err = sealRegion(headerKey, dir.digestTableNonce, digestPlain); err != nil {
			return nil, fmt.Errorf("goldboot: failed to seal digest table: %w", err)
		}
	}
	digestOffset, err := dest.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("goldboot: failed to read stream position: %w", err)
	}
	dir.digestTableOffset = uint64(digestOffset)
	dir.digestTableSize = uint32(len(digestBytes))
	if _, err := dest.Write(digestBytes); err != nil {
		return nil, fmt.Errorf("goldboot: failed to write digest table: %w", err)
	}

	dirPlain := dir.encode()
	dirBytes := dirPlain
	if encrypted {
		if dirBytes, err = sealRegion(headerKey, ph.directoryNonce, dirPlain); err != nil {
			return nil, fmt.Errorf("goldboot: failed to seal directory: %w", err)
		}
	}
	dirOffset, err := dest.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("goldboot: failed to read stream position: %w", err)
	}
	ph.directoryOffset = uint64(dirOffset)
	ph.directorySize = uint32(len(dirBytes))
	if _, err := dest.Write(dirBytes); err != nil {
		return nil, fmt.Errorf("goldboot: failed to write directory: %w", err)
	}

	if _, err := dest.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("goldboot: failed to seek to start: %w", err)
	}
	if _, err := dest.Write(ph.encode()); err != nil {
		return nil, fmt.Errorf("goldboot: failed to write primary header: %w", err)
	}
	if err := dest.Sync(); err != nil {
		return nil, fmt.Errorf("goldboot: failed to sync output file: %w", err)
	}
	if err := dest.Close(); err != nil {
		return nil, fmt.Errorf("goldboot: failed to close output file: %w", err)
	}

	if err := os.Rename(scratch, outPath); err != nil {
		return nil, fmt.Errorf("goldboot: failed to finalize output file: %w", err)
	}
	succeeded = true

	id, err := idForPath(outPath)
	if err != nil {
		return nil, err
	}

	m := manifest.withoutPassword()
	return &Handle{
		state:     stateLoaded,
		path:      outPath,
		id:        id,
		primary:   ph,
		protected: protected,
		directory: dir,
		digests:   digests,
		manifest:  &m,
	}, nil
}
