package convert

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
)

// parseTorch reads Meta style consolidated.*.pth checkpoints. Multiple files
// are tensor parallel shards and are not merged; only a single file is
// accepted.
func parseTorch(fsys fs.FS, ps ...string) (map[string]*Tensor, error) {
	if len(ps) != 1 {
		return nil, fmt.Errorf("found %d consolidated checkpoints, merging tensor parallel shards is not supported", len(ps))
	}

	// pytorch.Load needs a path on disk
	p, cleanup, err := localPath(fsys, ps[0])
	if err != nil {
		return nil, err
	}
	defer cleanup()

	pt, err := pytorch.Load(p)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ps[0], err)
	}

	entries, err := stateDict(pt)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ps[0], err)
	}

	ts := make(map[string]*Tensor)
	for _, e := range entries {
		name, ok := e.key.(string)
		if !ok {
			continue
		}

		pt, ok := e.value.(*pytorch.Tensor)
		if !ok {
			continue
		}

		var f32s []float32
		switch s := pt.Source.(type) {
		case *pytorch.FloatStorage:
			f32s = s.Data
		case *pytorch.HalfStorage:
			f32s = s.Data
		case *pytorch.BFloat16Storage:
			f32s = s.Data
		default:
			return nil, fmt.Errorf("%s: unknown data type: %T", name, s)
		}

		size := 1
		for _, dim := range pt.Size {
			size *= dim
		}

		if pt.StorageOffset+size > len(f32s) {
			return nil, fmt.Errorf("%s: %w: storage holds %d elements, need %d", name, ErrShapeMismatch, len(f32s), pt.StorageOffset+size)
		}

		t, err := NewTensor(append([]float32(nil), f32s[pt.StorageOffset:pt.StorageOffset+size]...), pt.Size...)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}

		ts[name] = t
	}

	return ts, nil
}

type dictEntry struct {
	key, value any
}

// stateDict lists the entries of a pickled state dict. torch.save writes a
// plain dict or, for module.state_dict(), a collections.OrderedDict.
func stateDict(v any) ([]dictEntry, error) {
	var entries []dictEntry
	switch d := v.(type) {
	case *types.Dict:
		for _, k := range d.Keys() {
			entries = append(entries, dictEntry{k, d.MustGet(k)})
		}
	case *types.OrderedDict:
		for e := d.List.Front(); e != nil; e = e.Next() {
			entry := e.Value.(*types.OrderedDictEntry)
			entries = append(entries, dictEntry{entry.Key, entry.Value})
		}
	default:
		return nil, fmt.Errorf("expected a state dict, got %T", v)
	}

	return entries, nil
}

// localPath returns a filesystem path for name, copying it out of fsys when
// fsys is not backed by the OS.
func localPath(fsys fs.FS, name string) (string, func(), error) {
	if d, ok := fsys.(interface{ Dir() string }); ok {
		return filepath.Join(d.Dir(), filepath.FromSlash(name)), func() {}, nil
	}

	src, err := fsys.Open(name)
	if err != nil {
		return "", nil, err
	}
	defer src.Close()

	dst, err := os.CreateTemp("", "fms-*.pth")
	if err != nil {
		return "", nil, err
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(dst.Name())
		return "", nil, err
	}

	return dst.Name(), func() { os.Remove(dst.Name()) }, nil
}
