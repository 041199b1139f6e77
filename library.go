package goldboot

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Library manages a directory of GBF images named `<id>.gb`.
type Library struct {
	root string
}

// NewLibrary returns a Library rooted at dir. dir is not created; callers
// that want an empty library on a fresh path should mkdir first.
func NewLibrary(dir string) *Library {
	return &Library{root: dir}
}

// Path returns the on-disk path an image with the given ID would have,
// whether or not it exists yet.
func (l *Library) Path(id string) string {
	return filepath.Join(l.root, id+".gb")
}

// Store moves the image at srcPath (typically Capture's output) into the
// library under its own ID, returning a handle opened from its new
// location.
func (l *Library) Store(srcPath string) (*Handle, error) {
	id, err := idForPath(srcPath)
	if err != nil {
		return nil, err
	}

	dst := l.Path(id)
	if err := os.Rename(srcPath, dst); err != nil {
		return nil, fmt.Errorf("goldboot: failed to store image in library: %w", err)
	}

	return Open(dst)
}

// List returns a handle, opened but not loaded, for every `.gb` file in the
// library.
func (l *Library) List() ([]*Handle, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		return nil, fmt.Errorf("goldboot: failed to list library: %w", err)
	}

	var handles []*Handle
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".gb") {
			continue
		}
		h, err := Open(filepath.Join(l.root, e.Name()))
		if err != nil {
			return nil, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// Delete removes the image with the given ID from the library.
func (l *Library) Delete(id string) error {
	if err := os.Remove(l.Path(id)); err != nil {
		return fmt.Errorf("goldboot: failed to delete image %s: %w", id, err)
	}
	return nil
}
