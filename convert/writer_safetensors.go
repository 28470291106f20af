package convert

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"github.com/x448/float16"
	"golang.org/x/exp/maps"
)

// DType is the on-disk element type of a written tensor.
type DType string

const (
	DTypeF32 DType = "F32"
	DTypeF16 DType = "F16"
)

func (d DType) size() int64 {
	if d == DTypeF16 {
		return 2
	}

	return 4
}

// WriteSafetensors writes ts in the safetensors format. Tensors are laid out
// in name order. One dimensional tensors are always stored as F32.
func WriteSafetensors(w io.Writer, ts map[string]*Tensor, dtype DType, metadata map[string]string) error {
	if dtype != DTypeF32 && dtype != DTypeF16 {
		return fmt.Errorf("unsupported data type: %s", dtype)
	}

	keys := maps.Keys(ts)
	slices.Sort(keys)

	kindOf := func(t *Tensor) DType {
		if len(t.Shape) < 2 {
			return DTypeF32
		}
		return dtype
	}

	headers := make(map[string]any, len(keys)+1)
	if len(metadata) > 0 {
		headers["__metadata__"] = metadata
	}

	var offset int64
	for _, key := range keys {
		t := ts[key]
		if t == nil {
			return fmt.Errorf("%w: %s", ErrMissingTensor, key)
		}

		shape := make([]uint64, len(t.Shape))
		for i := range t.Shape {
			shape[i] = uint64(t.Shape[i])
		}

		kind := kindOf(t)
		size := int64(t.Len()) * kind.size()
		headers[key] = safetensorMetadata{
			Type:    string(kind),
			Shape:   shape,
			Offsets: []int64{offset, offset + size},
		}
		offset += size
	}

	header, err := json.Marshal(headers)
	if err != nil {
		return err
	}

	// pad the header with spaces so tensor data is 8 byte aligned
	if pad := len(header) % 8; pad != 0 {
		header = append(header, bytes.Repeat([]byte(" "), 8-pad)...)
	}

	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, uint64(len(header))); err != nil {
		return err
	}

	if _, err := bw.Write(header); err != nil {
		return err
	}

	for _, key := range keys {
		t := ts[key]
		switch kindOf(t) {
		case DTypeF32:
			if err := binary.Write(bw, binary.LittleEndian, t.Data); err != nil {
				return err
			}
		case DTypeF16:
			f16s := make([]uint16, len(t.Data))
			for i := range t.Data {
				f16s[i] = float16.Fromfloat32(t.Data[i]).Bits()
			}

			if err := binary.Write(bw, binary.LittleEndian, f16s); err != nil {
				return err
			}
		}
	}

	return bw.Flush()
}
