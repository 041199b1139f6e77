package goldboot

import (
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
)

const smallFixtureSize = 131072 // 2 * 64KB clusters

func smallFixture(t *testing.T) string {
	t.Helper()
	return newFixtureQcow2(t, smallFixtureSize, map[uint64][]byte{
		0:     block(65536, 0x00),
		65536: block(65536, 0xAA),
	})
}

func applyAndHash(t *testing.T, h *Handle, size int64) string {
	t.Helper()

	target, err := os.Create(filepath.Join(t.TempDir(), "target.raw"))
	if err != nil {
		t.Fatalf("create target: %v", err)
	}
	defer target.Close()

	if err := target.Truncate(size); err != nil {
		t.Fatalf("truncate target: %v", err)
	}
	if err := Apply(h, target); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	data, err := os.ReadFile(target.Name())
	if err != nil {
		t.Fatalf("read target: %v", err)
	}
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

func TestCaptureSmallUnencrypted(t *testing.T) {
	t.Parallel()

	qcowPath := smallFixture(t)
	outPath := filepath.Join(t.TempDir(), "small.gb")

	manifest := Manifest{Name: "Small test", Arch: ArchAmd64, Memory: "1024"}
	h, err := Capture(qcowPath, manifest, outPath)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}

	count, err := h.ClusterCount()
	if err != nil {
		t.Fatalf("ClusterCount: %v", err)
	}
	if count != 2 {
		t.Fatalf("cluster_count = %d, want 2", count)
	}

	opened, err := Open(outPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if opened.Encrypted() {
		t.Fatalf("Encrypted() = true, want false")
	}
	if err := Load(opened, nil); err != nil {
		t.Fatalf("Load: %v", err)
	}

	got := applyAndHash(t, opened, smallFixtureSize)
	want := "34e1c79c80941e5519ec76433790191318a5c77b"
	if got != want {
		t.Fatalf("sha1 = %s, want %s", got, want)
	}
}

func TestCaptureSmallEncrypted(t *testing.T) {
	t.Parallel()

	qcowPath := smallFixture(t)
	outPath := filepath.Join(t.TempDir(), "small.gb")

	password := "1234"
	manifest := Manifest{Name: "Small test", Arch: ArchAmd64, Memory: "1024", Password: &password}
	if _, err := Capture(qcowPath, manifest, outPath); err != nil {
		t.Fatalf("Capture: %v", err)
	}

	opened, err := Open(outPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !opened.Encrypted() {
		t.Fatalf("Encrypted() = false, want true")
	}

	if err := Load(opened, nil); err == nil {
		t.Fatalf("Load(nil) succeeded, want AuthenticationFailed")
	} else if _, ok := err.(*ErrAuthenticationFailed); !ok {
		t.Fatalf("Load(nil) error = %v (%T), want *ErrAuthenticationFailed", err, err)
	}

	wrong := "5678"
	if err := Load(opened, &wrong); err == nil {
		t.Fatalf("Load(wrong password) succeeded, want AuthenticationFailed")
	} else if _, ok := err.(*ErrAuthenticationFailed); !ok {
		t.Fatalf("Load(wrong) error = %v (%T), want *ErrAuthenticationFailed", err, err)
	}

	correct := "1234"
	if err := Load(opened, &correct); err != nil {
		t.Fatalf("Load(correct password): %v", err)
	}

	got := applyAndHash(t, opened, smallFixtureSize)
	want := "34e1c79c80941e5519ec76433790191318a5c77b"
	if got != want {
		t.Fatalf("sha1 = %s, want %s", got, want)
	}
}

func TestCaptureAllZeroImage(t *testing.T) {
	t.Parallel()

	// A qcow2 with nothing ever written to it has no allocated clusters at
	// all: CountPopulatedClusters must see zero, not "every cluster is
	// zero-filled but allocated".
	qcowPath := newFixtureQcow2(t, 1<<20, nil)
	outPath := filepath.Join(t.TempDir(), "empty.gb")

	manifest := Manifest{Name: "Empty", Arch: ArchAmd64, Memory: "512"}
	h, err := Capture(qcowPath, manifest, outPath)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}

	count, err := h.ClusterCount()
	if err != nil {
		t.Fatalf("ClusterCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("cluster_count = %d, want 0", count)
	}
}

func TestCaptureDigestsAreDeterministic(t *testing.T) {
	t.Parallel()

	qcowPath := smallFixture(t)
	manifest := Manifest{Name: "Small test", Arch: ArchAmd64, Memory: "1024"}

	out1 := filepath.Join(t.TempDir(), "a.gb")
	out2 := filepath.Join(t.TempDir(), "b.gb")

	h1, err := Capture(qcowPath, manifest, out1)
	if err != nil {
		t.Fatalf("Capture 1: %v", err)
	}
	h2, err := Capture(qcowPath, manifest, out2)
	if err != nil {
		t.Fatalf("Capture 2: %v", err)
	}

	if len(h1.digests.entries) != len(h2.digests.entries) {
		t.Fatalf("digest entry count differs: %d vs %d", len(h1.digests.entries), len(h2.digests.entries))
	}
	for i, e1 := range h1.digests.entries {
		e2 := h2.digests.entries[i]
		if e1.blockOffset != e2.blockOffset {
			t.Fatalf("entry %d block_offset differs: %d vs %d", i, e1.blockOffset, e2.blockOffset)
		}
		if e1.digest != e2.digest {
			t.Fatalf("entry %d digest differs", i)
		}
	}
}
