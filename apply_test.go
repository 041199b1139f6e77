package goldboot

import (
	"os"
	"path/filepath"
	"testing"
)

func TestApplyIdempotentAfterPartialCorruption(t *testing.T) {
	t.Parallel()

	qcowPath := smallFixture(t)
	outPath := filepath.Join(t.TempDir(), "small.gb")

	manifest := Manifest{Name: "Small test", Arch: ArchAmd64, Memory: "1024"}
	if _, err := Capture(qcowPath, manifest, outPath); err != nil {
		t.Fatalf("Capture: %v", err)
	}

	h, err := Open(outPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := Load(h, nil); err != nil {
		t.Fatalf("Load: %v", err)
	}

	targetPath := filepath.Join(t.TempDir(), "target.raw")
	target, err := os.Create(targetPath)
	if err != nil {
		t.Fatalf("create target: %v", err)
	}
	if err := target.Truncate(smallFixtureSize); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if err := Apply(h, target); err != nil {
		t.Fatalf("first Apply: %v", err)
	}

	// Simulate an interrupted run by scribbling over the second block after
	// the fact, as if a prior Apply had died partway through rewriting it.
	if _, err := target.WriteAt(block(65536, 0xFF), 65536); err != nil {
		t.Fatalf("corrupt target: %v", err)
	}

	if err := Apply(h, target); err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	target.Close()

	data, err := os.ReadFile(targetPath)
	if err != nil {
		t.Fatalf("read target: %v", err)
	}
	if len(data) != smallFixtureSize {
		t.Fatalf("target size = %d, want %d", len(data), smallFixtureSize)
	}
	for i, b := range data[:65536] {
		if b != 0x00 {
			t.Fatalf("byte %d of block 0 = %#x, want 0x00", i, b)
		}
	}
	for i, b := range data[65536:] {
		if b != 0xAA {
			t.Fatalf("byte %d of block 1 = %#x, want 0xAA", i, b)
		}
	}
}

func TestApplyAuthenticationFailureOnCorruptCluster(t *testing.T) {
	t.Parallel()

	qcowPath := smallFixture(t)
	outPath := filepath.Join(t.TempDir(), "small.gb")

	password := "1234"
	manifest := Manifest{Name: "Small test", Arch: ArchAmd64, Memory: "1024", Password: &password}
	if _, err := Capture(qcowPath, manifest, outPath); err != nil {
		t.Fatalf("Capture: %v", err)
	}

	h, err := Open(outPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := Load(h, &password); err != nil {
		t.Fatalf("Load: %v", err)
	}
	// Corrupt the cluster for the non-zero block: a freshly zeroed target
	// already matches the all-zero block's digest, so Apply would skip it
	// without ever touching its cluster body.
	var entry digestTableEntry
	found := false
	for _, e := range h.digests.entries {
		if e.blockOffset == 65536 {
			entry = e
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("no digest entry for block_offset 65536")
	}

	// Flip a ciphertext byte well inside that cluster's body (past the
	// 4-byte size prefix) to trigger an AEAD tag mismatch on that cluster
	// alone.
	f, err := os.OpenFile(outPath, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open for corruption: %v", err)
	}
	corruptOffset := int64(entry.clusterOffset) + 4 + 8
	var b [1]byte
	if _, err := f.ReadAt(b[:], corruptOffset); err != nil {
		t.Fatalf("read byte to corrupt: %v", err)
	}
	b[0] ^= 0xFF
	if _, err := f.WriteAt(b[:], corruptOffset); err != nil {
		t.Fatalf("write corrupted byte: %v", err)
	}
	f.Close()

	target, err := os.Create(filepath.Join(t.TempDir(), "target.raw"))
	if err != nil {
		t.Fatalf("create target: %v", err)
	}
	defer target.Close()
	if err := target.Truncate(smallFixtureSize); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	err = Apply(h, target)
	if err == nil {
		t.Fatalf("Apply succeeded despite corrupted cluster, want AuthenticationFailed")
	}
	if _, ok := err.(*ErrAuthenticationFailed); !ok {
		t.Fatalf("Apply error = %v (%T), want *ErrAuthenticationFailed", err, err)
	}
}
