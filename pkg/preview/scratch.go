package preview

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

var videoExtensions = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".m4v":  true,
	".mkv":  true,
	".webm": true,
	".avi":  true,
}

// videoExt returns the lower-cased extension of name when it is a known
// video container, ".mp4" otherwise.
func videoExt(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if videoExtensions[ext] {
		return ext
	}
	return ".mp4"
}

// scratch tracks the local files created by one invocation.
type scratch struct {
	dir   string
	id    string
	paths []string
}

func newScratch(dir string) *scratch {
	if dir == "" {
		dir = os.TempDir()
	}
	return &scratch{dir: dir, id: uuid.NewString()}
}

// create opens a new exclusive file named <id>-<role><ext>.
func (s *scratch) create(role, ext string) (*os.File, error) {
	path := filepath.Join(s.dir, fmt.Sprintf("%s-%s%s", s.id, role, ext))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.paths = append(s.paths, path)
	return f, nil
}

// materialize copies src into a private scratch file and returns its path
// and the number of bytes written.
func (s *scratch) materialize(src io.Reader, name string) (string, int64, error) {
	f, err := s.create("original", videoExt(name))
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(f, src)
	if err != nil {
		_ = f.Close()
		return "", n, err
	}
	if err := f.Close(); err != nil {
		return "", n, err
	}
	return f.Name(), n, nil
}

// reserve creates an empty output file for an encoder to overwrite.
func (s *scratch) reserve(role, ext string) (string, error) {
	f, err := s.create(role, ext)
	if err != nil {
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return f.Name(), nil
}

// forget stops tracking path so removeAll leaves it in place.
func (s *scratch) forget(path string) {
	for i, p := range s.paths {
		if p == path {
			s.paths = append(s.paths[:i], s.paths[i+1:]...)
			return
		}
	}
}

func (s *scratch) removeAll() error {
	var errs []error
	for _, p := range s.paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	s.paths = nil
	return errors.Join(errs...)
}
