package api

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/samcharles93/vitptq/internal/npz"
)

const archiveExt = ".npz"

type archiveRecord struct {
	modTime time.Time
	archive *npz.Archive
}

// ArchiveStore serves the .npz archives of one output directory. Decoded
// archives are cached until the file changes.
type ArchiveStore struct {
	dir string

	mu       sync.Mutex
	archives map[string]*archiveRecord
}

func NewArchiveStore(dir string) *ArchiveStore {
	return &ArchiveStore{
		dir:      dir,
		archives: make(map[string]*archiveRecord),
	}
}

// Dir returns the directory the store reads from.
func (s *ArchiveStore) Dir() string { return s.dir }

// List returns every archive of the directory sorted by name.
func (s *ArchiveStore) List() ([]ArchiveInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	out := []ArchiveInfo{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), archiveExt) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			return nil, err
		}
		out = append(out, archiveInfo(fi))
	}
	slices.SortFunc(out, func(a, b ArchiveInfo) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

// Stat describes one archive.
func (s *ArchiveStore) Stat(name string) (ArchiveInfo, error) {
	file, err := archiveFile(name)
	if err != nil {
		return ArchiveInfo{}, err
	}
	fi, err := os.Stat(filepath.Join(s.dir, file))
	if err != nil {
		return ArchiveInfo{}, notFound(file, err)
	}
	return archiveInfo(fi), nil
}

// Entries lists the array headers of one archive without decoding data.
func (s *ArchiveStore) Entries(name string) ([]npz.Entry, error) {
	file, err := archiveFile(name)
	if err != nil {
		return nil, err
	}
	entries, err := npz.List(filepath.Join(s.dir, file))
	if err != nil {
		return nil, notFound(file, err)
	}
	return entries, nil
}

// Get decodes one archive, reusing the cached copy while the file is
// unchanged.
func (s *ArchiveStore) Get(name string) (*npz.Archive, error) {
	file, err := archiveFile(name)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(s.dir, file)
	fi, err := os.Stat(path)
	if err != nil {
		return nil, notFound(file, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.archives[file]; ok && rec.modTime.Equal(fi.ModTime()) {
		return rec.archive, nil
	}
	a, err := npz.Read(path)
	if err != nil {
		return nil, err
	}
	s.archives[file] = &archiveRecord{modTime: fi.ModTime(), archive: a}
	return a, nil
}

func archiveInfo(fi fs.FileInfo) ArchiveInfo {
	return ArchiveInfo{
		Object:    "archive",
		Name:      strings.TrimSuffix(fi.Name(), archiveExt),
		Size:      fi.Size(),
		CreatedAt: fi.ModTime().Unix(),
	}
}

func notFound(file string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrArchiveNotFound, file)
	}
	return err
}
