package convert

import (
	"archive/zip"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

type dirFS struct {
	fs.FS
	dir string
}

// DirFS returns an fs.FS for a checkpoint directory that also reports its
// location on disk, which readers that need real paths rely on.
func DirFS(dir string) fs.FS {
	return dirFS{FS: os.DirFS(dir), dir: dir}
}

func (d dirFS) Dir() string {
	return d.dir
}

type ZipReader struct {
	r *zip.Reader
	p string

	// limit is the maximum size of a file that can be read directly
	// from the zip archive. Files larger than this size will be extracted
	limit int64
}

// NewZipReader exposes a zipped checkpoint as an fs.FS. Large members are
// extracted into p before being opened.
func NewZipReader(r *zip.Reader, p string, limit int64) fs.FS {
	return &ZipReader{r, p, limit}
}

func (z *ZipReader) Open(name string) (fs.File, error) {
	r, err := z.r.Open(name)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	if fi, err := r.Stat(); err != nil {
		return nil, err
	} else if fi.Size() < z.limit {
		return z.r.Open(name)
	}

	if !filepath.IsLocal(name) {
		return nil, zip.ErrInsecurePath
	}

	n := filepath.Join(z.p, name)
	if _, err := os.Stat(n); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(n), 0o755); err != nil {
			return nil, err
		}

		w, err := os.Create(n)
		if err != nil {
			return nil, err
		}
		defer w.Close()

		if _, err := io.Copy(w, r); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	return os.Open(n)
}

// Glob lets fs.Glob list the archive without extracting anything.
func (z *ZipReader) Glob(pattern string) ([]string, error) {
	var matches []string
	for _, f := range z.r.File {
		ok, err := filepath.Match(pattern, f.Name)
		if err != nil {
			return nil, err
		}

		if ok {
			matches = append(matches, f.Name)
		}
	}

	return matches, nil
}

// OpenZip opens a zipped checkpoint. Members of 32 MiB or more are extracted
// into a temporary directory that closer removes.
func OpenZip(path string) (fsys fs.FS, closer func(), err error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, nil, err
	}

	tmp, err := os.MkdirTemp("", "fms-zip-*")
	if err != nil {
		r.Close()
		return nil, nil, err
	}

	return NewZipReader(&r.Reader, tmp, 32<<20), func() {
		r.Close()
		os.RemoveAll(tmp)
	}, nil
}
