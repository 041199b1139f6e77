package goldboot

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

type handleState int

const (
	stateUnopened handleState = iota
	stateOpened
	stateLoaded
	stateApplied
)

// Handle represents a GBF image on disk. Open reads only PrimaryHeader;
// Load decrypts and parses the remaining regions. Most fields are nil until
// the handle reaches stateLoaded.
type Handle struct {
	state handleState

	path string
	id   string

	primary   *primaryHeader
	protected *protectedHeader
	directory *directory
	digests   *digestTable
	manifest  *Manifest
}

// ID returns the image's content-addressed ID (hex SHA-256 of the file, or
// the filename stem when it already is one).
func (h *Handle) ID() string { return h.id }

// Path returns the filesystem path the handle was opened from.
func (h *Handle) Path() string { return h.path }

// Name returns the name copied from PrimaryHeader, available as soon as the
// handle is opened.
func (h *Handle) Name() string { return decodeName(h.primary.name) }

// Size returns the total logical data size in bytes, available as soon as
// the handle is opened.
func (h *Handle) Size() uint64 { return h.primary.size }

// Timestamp returns the image's creation time as Unix seconds, available as
// soon as the handle is opened.
func (h *Handle) Timestamp() uint64 { return h.primary.timestamp }

// Encrypted reports whether the image's header regions are sealed,
// available as soon as the handle is opened.
func (h *Handle) Encrypted() bool { return h.primary.encryptionType == EncryptionAes256 }

// Manifest returns the build manifest. It is only populated after Load.
func (h *Handle) Manifest() (*Manifest, error) {
	if h.state < stateLoaded {
		return nil, ErrNotLoaded
	}
	return h.manifest, nil
}

// BlockSize returns the size of each source block. It is only populated
// after Load.
func (h *Handle) BlockSize() (uint32, error) {
	if h.state < stateLoaded {
		return 0, ErrNotLoaded
	}
	return h.protected.blockSize, nil
}

// ClusterCount returns the number of populated clusters. It is only
// populated after Load.
func (h *Handle) ClusterCount() (uint32, error) {
	if h.state < stateLoaded {
		return 0, ErrNotLoaded
	}
	return h.protected.clusterCount, nil
}

// Open reads an image's PrimaryHeader, which is always plaintext, and
// computes its ID. It does not touch any other region.
func Open(path string) (*Handle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("goldboot: failed to open image: %w", err)
	}
	defer f.Close()

	buf := make([]byte, primaryHeaderSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, &ErrCorrupt{Region: "primary_header", Offset: 0, Reason: err.Error()}
	}

	ph, err := decodePrimaryHeader(buf)
	if err != nil {
		return nil, err
	}

	id, err := idForPath(path)
	if err != nil {
		return nil, err
	}

	return &Handle{
		state:   stateOpened,
		path:    path,
		id:      id,
		primary: ph,
	}, nil
}

// Load decrypts and parses Directory, ProtectedHeader, Config, and
// DigestTable, in that order (Directory is read first because the other
// three regions are located and keyed relative to it). password must match
// the one used at Capture time whenever the image is encrypted; it is
// ignored otherwise. A wrong password surfaces as ErrAuthenticationFailed;
// a structurally broken region surfaces as ErrCorrupt.
func Load(h *Handle, password *string) error {
	f, err := os.Open(h.path)
	if err != nil {
		return fmt.Errorf("goldboot: failed to open image: %w", err)
	}
	defer f.Close()

	key := deriveHeaderKey(password)
	encrypted := h.primary.encryptionType == EncryptionAes256

	dirPlain, err := readRegion(f, int64(h.primary.directoryOffset), int(h.primary.directorySize), "directory", encrypted, key, h.primary.directoryNonce)
	if err != nil {
		return err
	}
	dir, err := decodeDirectory(dirPlain)
	if err != nil {
		return err
	}

	if _, err := f.Seek(int64(primaryHeaderSize), io.SeekStart); err != nil {
		return fmt.Errorf("goldboot: failed to seek to protected header: %w", err)
	}
	protectedPlain, err := readRegionAt(f, int(dir.protectedSize), "protected_header", encrypted, key, dir.protectedNonce)
	if err != nil {
		return err
	}
	protected, err := decodeProtectedHeader(protectedPlain)
	if err != nil {
		return err
	}

	configPlain, err := readRegion(f, int64(dir.configOffset), int(dir.configSize), "config", encrypted, key, dir.configNonce)
	if err != nil {
		return err
	}
	var manifest Manifest
	if err := json.Unmarshal(configPlain, &manifest); err != nil {
		return &ErrCorrupt{Region: "config", Offset: int64(dir.configOffset), Reason: err.Error()}
	}

	digestPlain, err := readRegion(f, int64(dir.digestTableOffset), int(dir.digestTableSize), "digest_table", encrypted, key, dir.digestTableNonce)
	if err != nil {
		return err
	}
	digests, err := decodeDigestTable(digestPlain)
	if err != nil {
		return err
	}
	if uint32(len(digests.entries)) != protected.clusterCount {
		return &ErrCorrupt{Region: "digest_table", Offset: int64(dir.digestTableOffset), Reason: "digest_count does not match cluster_count"}
	}

	h.directory = dir
	h.protected = protected
	h.manifest = &manifest
	h.digests = digests
	h.state = stateLoaded
	return nil
}

// readRegion seeks to offset, reads size bytes, and decrypts them if
// encrypted is set.
func readRegion(f *os.File, offset int64, size int, region string, encrypted bool, key [keySize]byte, nonce [nonceSize]byte) ([]byte, error) {
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("goldboot: failed to seek to %s: %w", region, err)
	}
	return readRegionAt(f, size, region, encrypted, key, nonce)
}

// readRegionAt reads size bytes from the file's current position and
// decrypts them if encrypted is set.
func readRegionAt(f *os.File, size int, region string, encrypted bool, key [keySize]byte, nonce [nonceSize]byte) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := io.ReadFull(f, buf); err != nil {
		return nil, &ErrCorrupt{Region: region, Offset: -1, Reason: err.Error()}
	}
	if !encrypted {
		return buf, nil
	}
	plain, err := openRegion(key, nonce, buf)
	if err != nil {
		return nil, &ErrAuthenticationFailed{Region: region}
	}
	return plain, nil
}
