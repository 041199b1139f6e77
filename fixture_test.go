package goldboot

import (
	"path/filepath"
	"testing"

	"github.com/goldboot/goldboot/internal/qcow2"
)

// newFixtureQcow2 creates a qcow2 image of the given size with the given
// blocks written at the given offsets, closes it, and returns its path.
func newFixtureQcow2(t *testing.T, size uint64, blocks map[uint64][]byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "fixture.qcow2")
	img, err := qcow2.CreateSimple(path, size)
	if err != nil {
		t.Fatalf("qcow2.CreateSimple: %v", err)
	}

	for off, data := range blocks {
		if _, err := img.WriteAt(data, int64(off)); err != nil {
			t.Fatalf("WriteAt(%d): %v", off, err)
		}
	}

	if err := img.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return path
}

func block(size int, fill byte) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = fill
	}
	return b
}
