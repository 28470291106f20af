package convert

import (
	"bytes"
	"cmp"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
	"golang.org/x/exp/maps"
)

// maxSafetensorsHeader bounds the JSON header, matching the 100MB limit of
// the reference safetensors implementation.
const maxSafetensorsHeader = 100 << 20

var ErrInvalidHeader = errors.New("invalid safetensors header")

type safetensorMetadata struct {
	Type    string   `json:"dtype"`
	Shape   []uint64 `json:"shape"`
	Offsets []int64  `json:"data_offsets"`
}

func parseSafetensors(fsys fs.FS, ps ...string) (map[string]*Tensor, error) {
	ts := make(map[string]*Tensor)
	for _, p := range ps {
		if err := func() error {
			f, err := fsys.Open(p)
			if err != nil {
				return err
			}
			defer f.Close()

			var n int64
			if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
				return err
			}

			fi, err := f.Stat()
			if err != nil {
				return err
			}

			if n <= 0 || n > maxSafetensorsHeader || n > fi.Size()-8 {
				return fmt.Errorf("%w: header length %d", ErrInvalidHeader, n)
			}
			size := fi.Size() - 8 - n

			b := bytes.NewBuffer(make([]byte, 0, n))
			if _, err = io.CopyN(b, f, n); err != nil {
				return err
			}

			var headers map[string]json.RawMessage
			if err := json.NewDecoder(b).Decode(&headers); err != nil {
				return err
			}

			// __metadata__ is a string map, not a tensor
			delete(headers, "__metadata__")

			metas := make(map[string]safetensorMetadata, len(headers))
			for key, raw := range headers {
				var value safetensorMetadata
				if err := json.Unmarshal(raw, &value); err != nil {
					return fmt.Errorf("%s: %w", key, err)
				}

				if len(value.Offsets) != 2 || value.Offsets[0] < 0 || value.Offsets[1] < value.Offsets[0] || value.Offsets[1] > size {
					return fmt.Errorf("%w: %s: invalid data offsets %v", ErrInvalidHeader, key, value.Offsets)
				}

				metas[key] = value
			}

			// tensors are read in offset order so the file is consumed sequentially
			keys := maps.Keys(metas)
			slices.SortFunc(keys, func(a, b string) int {
				return cmp.Compare(metas[a].Offsets[0], metas[b].Offsets[0])
			})

			var pos int64
			for _, key := range keys {
				value := metas[key]

				// bitsandbytes quantized models are unsupported
				if len(value.Shape) == 0 {
					return errors.New("unsupported safetensors model")
				}

				if _, ok := ts[key]; ok {
					return fmt.Errorf("duplicate tensor name '%s' was found for this model", key)
				}

				if value.Offsets[0] < pos {
					return fmt.Errorf("%w: %s: data offsets %v overlap the previous tensor ending at %d", ErrInvalidHeader, key, value.Offsets, pos)
				}

				if skip := value.Offsets[0] - pos; skip > 0 {
					if _, err := io.CopyN(io.Discard, f, skip); err != nil {
						return err
					}
				}

				data, err := readSafetensor(f, value.Type, value.Offsets[1]-value.Offsets[0])
				if err != nil {
					return fmt.Errorf("%s: %w", key, err)
				}
				pos = value.Offsets[1]

				shape := make([]int, len(value.Shape))
				for i := range value.Shape {
					shape[i] = int(value.Shape[i])
				}

				t, err := NewTensor(data, shape...)
				if err != nil {
					return fmt.Errorf("%s: %w", key, err)
				}

				ts[key] = t
			}

			return nil
		}(); err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	return ts, nil
}

func readSafetensor(r io.Reader, dtype string, size int64) ([]float32, error) {
	var elem int64
	switch dtype {
	case "F32":
		elem = 4
	case "F16", "BF16":
		elem = 2
	default:
		return nil, fmt.Errorf("unknown data type: %s", dtype)
	}

	if size%elem != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a whole number of %s elements", ErrInvalidHeader, size, dtype)
	}

	switch dtype {
	case "F32":
		f32s := make([]float32, size/4)
		if err := binary.Read(r, binary.LittleEndian, f32s); err != nil {
			return nil, err
		}

		return f32s, nil
	case "F16":
		u16s := make([]uint16, size/2)
		if err := binary.Read(r, binary.LittleEndian, u16s); err != nil {
			return nil, err
		}

		f32s := make([]float32, len(u16s))
		for i := range u16s {
			f32s[i] = float16.Frombits(u16s[i]).Float32()
		}

		return f32s, nil
	case "BF16":
		u8s := make([]uint8, size)
		if _, err := io.ReadFull(r, u8s); err != nil {
			return nil, err
		}

		return bfloat16.DecodeFloat32(u8s), nil
	default:
		return nil, fmt.Errorf("unknown data type: %s", dtype)
	}
}
