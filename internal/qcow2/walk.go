package qcow2

import "fmt"

// PopulatedClusters walks the image in ascending logical offset order and
// invokes fn once for every cluster that has an on-disk allocation — i.e.
// every cluster that is not implicitly zero and not unallocated. Clusters
// with no allocation (including whole unallocated L2 regions) are skipped
// without invoking fn, advancing the logical offset but producing no
// output, matching the traversal QEMU itself performs when exporting a
// sparse image.
//
// data passed to fn is the plaintext, decompressed cluster contents and is
// reused between calls; fn must not retain it past its own return.
func (img *Image) PopulatedClusters(fn func(blockOffset uint64, data []byte) error) error {
	size := uint64(img.Size())
	buf := make([]byte, img.clusterSize)

	for off := uint64(0); off < size; off += img.clusterSize {
		info, err := img.translate(off)
		if err != nil {
			return fmt.Errorf("qcow2: failed to translate offset 0x%x: %w", off, err)
		}

		switch info.ctype {
		case clusterUnallocated, clusterZero:
			continue
		default:
			n, err := img.ReadAt(buf, int64(off))
			if err != nil {
				return fmt.Errorf("qcow2: failed to read cluster at 0x%x: %w", off, err)
			}
			if uint64(n) < img.clusterSize {
				for i := n; i < len(buf); i++ {
					buf[i] = 0
				}
			}
			if err := fn(off, buf); err != nil {
				return err
			}
		}
	}

	return nil
}

// CountPopulatedClusters returns the number of clusters PopulatedClusters
// would visit, without reading any cluster bodies. Capture uses this to
// size the per-cluster nonce table before writing the first byte of output.
func (img *Image) CountPopulatedClusters() (uint64, error) {
	size := uint64(img.Size())
	count := uint64(0)

	for off := uint64(0); off < size; off += img.clusterSize {
		info, err := img.translate(off)
		if err != nil {
			return 0, fmt.Errorf("qcow2: failed to translate offset 0x%x: %w", off, err)
		}
		if info.ctype != clusterUnallocated && info.ctype != clusterZero {
			count++
		}
	}

	return count, nil
}
