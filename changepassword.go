package goldboot

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// ChangePassword re-encrypts Directory, ProtectedHeader, Config, and
// DigestTable under a key derived from newPassword. Cluster bodies and the
// cluster key are untouched: only the header regions move to a new key.
//
// h must already be loaded with oldPassword. On success h reflects the new
// password and can be used for further operations without reopening.
func ChangePassword(h *Handle, oldPassword, newPassword *string) error {
	if h.state < stateLoaded {
		return ErrNotLoaded
	}

	oldKey := deriveHeaderKey(oldPassword)
	if h.primary.encryptionType == EncryptionAes256 {
		f, err := os.Open(h.path)
		if err != nil {
			return fmt.Errorf("goldboot: failed to open image: %w", err)
		}
		_, err = readRegion(f, int64(h.primary.directoryOffset), int(h.primary.directorySize), "directory", true, oldKey, h.primary.directoryNonce)
		f.Close()
		if err != nil {
			return err
		}
	}
	newKey := deriveHeaderKey(newPassword)
	newEncrypted := newPassword != nil

	// Re-derive the plaintext of every region from the in-memory handle
	// rather than re-reading and decrypting the file: the directory check
	// above proved oldPassword is correct, and the handle's state is the
	// source of truth for what gets rewritten.
	protectedPlain := h.protected.encode()
	configPlain, err := json.Marshal(h.manifest.withoutPassword())
	if err != nil {
		return fmt.Errorf("goldboot: failed to marshal config: %w", err)
	}

	newDir := &directory{}
	if newDir.protectedNonce, err = newNonce(); err != nil {
		return err
	}
	if newDir.configNonce, err = newNonce(); err != nil {
		return err
	}
	if newDir.digestTableNonce, err = newNonce(); err != nil {
		return err
	}
	newDirectoryNonce, err := newNonce()
	if err != nil {
		return err
	}

	protectedBytes := protectedPlain
	configBytes := configPlain
	if newEncrypted {
		if protectedBytes, err = sealRegion(newKey, newDir.protectedNonce, protectedPlain); err != nil {
			return fmt.Errorf("goldboot: failed to seal protected header: %w", err)
		}
		if configBytes, err = sealRegion(newKey, newDir.configNonce, configPlain); err != nil {
			return fmt.Errorf("goldboot: failed to seal config: %w", err)
		}
	}
	newDir.protectedSize = uint32(len(protectedBytes))
	newDir.configSize = uint32(len(configBytes))

	// Protected+Config can change size across the rewrite (an AEAD tag
	// appearing or disappearing), which shifts where the cluster region
	// starts. DigestTable's cluster_offset entries are absolute file
	// offsets into that region, so they have to move by the same delta
	// before they're re-encoded, or Apply will seek to the wrong place
	// against the rewritten file.
	oldClusterStart := uint64(primaryHeaderSize) + uint64(h.directory.protectedSize) + uint64(h.directory.configSize)
	newClusterStart := uint64(primaryHeaderSize) + uint64(newDir.protectedSize) + uint64(newDir.configSize)
	delta := int64(newClusterStart) - int64(oldClusterStart)

	newEntries := make([]digestTableEntry, len(h.digests.entries))
	for i, e := range h.digests.entries {
		e.clusterOffset = uint64(int64(e.clusterOffset) + delta)
		newEntries[i] = e
	}
	newDigests := &digestTable{entries: newEntries}
	digestPlain := newDigests.encode()

	digestBytes := digestPlain
	if newEncrypted {
		if digestBytes, err = sealRegion(newKey, newDir.digestTableNonce, digestPlain); err != nil {
			return fmt.Errorf("goldboot: failed to seal digest table: %w", err)
		}
	}
	newDir.digestTableSize = uint32(len(digestBytes))

	dirPlain := newDir.encode()
	dirBytes := dirPlain
	if newEncrypted {
		if dirBytes, err = sealRegion(newKey, newDirectoryNonce, dirPlain); err != nil {
			return fmt.Errorf("goldboot: failed to seal directory: %w", err)
		}
	}

	// Everything after PrimaryHeader is being replaced, and the four
	// regions can change size (a shrinking region, e.g. unencrypted ->
	// unencrypted with a shorter JSON payload, would otherwise leave a
	// stale tail), so rewrite them into a fresh scratch file and splice
	// PrimaryHeader back on, rather than editing the original in place.
	scratch := h.path + ".tmp"
	out, err := os.Create(scratch)
	if err != nil {
		return fmt.Errorf("goldboot: failed to create scratch file: %w", err)
	}
	succeeded := false
	defer func() {
		out.Close()
		if !succeeded {
			os.Remove(scratch)
		}
	}()

	newEncType := EncryptionNone
	if newEncrypted {
		newEncType = EncryptionAes256
	}

	ph := *h.primary
	ph.encryptionType = newEncType
	ph.directoryNonce = newDirectoryNonce

	if _, err := out.Write(make([]byte, primaryHeaderSize)); err != nil {
		return fmt.Errorf("goldboot: failed to reserve primary header: %w", err)
	}
	if _, err := out.Write(protectedBytes); err != nil {
		return fmt.Errorf("goldboot: failed to write protected header: %w", err)
	}
	configOffset, err := out.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("goldboot: failed to read stream position: %w", err)
	}
	newDir.configOffset = uint64(configOffset)
	if _, err := out.Write(configBytes); err != nil {
		return fmt.Errorf("goldboot: failed to write config: %w", err)
	}

	if err := copyClusters(h, out); err != nil {
		return err
	}

	digestOffset, err := out.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("goldboot: failed to read stream position: %w", err)
	}
	newDir.digestTableOffset = uint64(digestOffset)
	if _, err := out.Write(digestBytes); err != nil {
		return fmt.Errorf("goldboot: failed to write digest table: %w", err)
	}

	dirOffset, err := out.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("goldboot: failed to read stream position: %w", err)
	}
	ph.directoryOffset = uint64(dirOffset)
	ph.directorySize = uint32(len(dirBytes))
	if _, err := out.Write(dirBytes); err != nil {
		return fmt.Errorf("goldboot: failed to write directory: %w", err)
	}

	if _, err := out.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("goldboot: failed to seek to start: %w", err)
	}
	if _, err := out.Write(ph.encode()); err != nil {
		return fmt.Errorf("goldboot: failed to write primary header: %w", err)
	}
	if err := out.Sync(); err != nil {
		return fmt.Errorf("goldboot: failed to sync scratch file: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("goldboot: failed to close scratch file: %w", err)
	}

	if err := os.Rename(scratch, h.path); err != nil {
		return fmt.Errorf("goldboot: failed to finalize scratch file: %w", err)
	}
	succeeded = true

	id, err := idForPath(h.path)
	if err != nil {
		return err
	}

	h.primary = &ph
	h.directory = newDir
	h.digests = newDigests
	h.id = id
	return nil
}

// copyClusters copies the cluster region of h's current file verbatim into
// out: cluster bodies and the cluster key never change under a password
// change.
func copyClusters(h *Handle, out *os.File) error {
	in, err := os.Open(h.path)
	if err != nil {
		return fmt.Errorf("goldboot: failed to reopen image for cluster copy: %w", err)
	}
	defer in.Close()

	start := int64(primaryHeaderSize) + int64(h.directory.protectedSize) + int64(h.directory.configSize)
	end := int64(h.directory.digestTableOffset)
	if _, err := in.Seek(start, io.SeekStart); err != nil {
		return fmt.Errorf("goldboot: failed to seek cluster region: %w", err)
	}
	if _, err := io.CopyN(out, in, end-start); err != nil {
		return fmt.Errorf("goldboot: failed to copy cluster region: %w", err)
	}
	return nil
}
