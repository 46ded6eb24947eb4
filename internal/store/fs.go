package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FSStore keeps the raw bytes of received data items on disk, one file per
// item named by its hex hash under dir.
type FSStore struct {
	dir string
}

// NewFSStore opens dir, creating it if needed.
func NewFSStore(dir string) (*FSStore, error) {
	if dir == "" {
		return nil, errors.New("NewFSStore: empty directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("NewFSStore: %w", err)
	}
	return &FSStore{dir: dir}, nil
}

func (s *FSStore) path(h Hash) string {
	return filepath.Join(s.dir, h.String())
}

// Put writes data under h. An item already on disk is left alone: the hash
// names its content.
func (s *FSStore) Put(h Hash, data []byte) error {
	dst := s.path(h)
	if _, err := os.Stat(dst); err == nil {
		return nil
	}

	f, err := os.CreateTemp(s.dir, ".item-*")
	if err != nil {
		return fmt.Errorf("FSStore.Put %s: %w", h, err)
	}
	tmp := f.Name()
	_, werr := f.Write(data)
	cerr := f.Close()
	if werr == nil {
		werr = cerr
	}
	if werr == nil {
		werr = os.Rename(tmp, dst)
	}
	if werr != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("FSStore.Put %s: %w", h, werr)
	}
	return nil
}

// Load reads the item stored under h. A missing item is reported as
// ok == false with a nil error.
func (s *FSStore) Load(h Hash) (data []byte, ok bool, err error) {
	data, err = os.ReadFile(s.path(h))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("FSStore.Load %s: %w", h, err)
	}
	return data, true, nil
}

// List returns the hash of every item in the directory. Temporary files and
// names that are not hex are skipped.
func (s *FSStore) List() ([]Hash, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("FSStore.List: %w", err)
	}

	var hashes []Hash
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		h, err := HashFromHex(entry.Name())
		if err != nil {
			continue
		}
		hashes = append(hashes, h)
	}
	return hashes, nil
}
