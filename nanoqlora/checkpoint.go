package nanoqlora

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"

	"nano-qlora-go/model"
	"nano-qlora-go/tensor"
)

// Adapter-only checkpoint format. Header: magic, version, element-type tag,
// adapter count, then per adapter (name ascending) its name, the A and B
// shapes, and an xxhash64 digest of the adapter's raw payload. Payload: for
// each adapter in the same order, raw row-major little-endian A then B.
const (
	checkpointMagic   = "NQLA"
	checkpointVersion = uint32(1)
	elemTypeF32       = uint8(0)
)

// CheckpointSink receives adapter snapshots from the training loop.
type CheckpointSink interface {
	Write(epoch, step int, loss float64, adapters *model.AdapterSet) error
}

// EncodeAdapters serializes all adapters of the set.
func EncodeAdapters(set *model.AdapterSet) ([]byte, error) {
	names := set.Names()

	var header bytes.Buffer
	var payload bytes.Buffer

	header.WriteString(checkpointMagic)
	binary.Write(&header, binary.LittleEndian, checkpointVersion)
	header.WriteByte(elemTypeF32)
	binary.Write(&header, binary.LittleEndian, uint32(len(names)))

	for _, name := range names {
		a, _ := set.Get(name)

		var body bytes.Buffer
		writeTensor(&body, a.A)
		writeTensor(&body, a.B)
		digest := xxhash.Sum64(body.Bytes())

		binary.Write(&header, binary.LittleEndian, uint16(len(name)))
		header.WriteString(name)
		writeShape(&header, a.A.Shape)
		writeShape(&header, a.B.Shape)
		binary.Write(&header, binary.LittleEndian, digest)

		payload.Write(body.Bytes())
	}

	out := header.Bytes()
	return append(out, payload.Bytes()...), nil
}

// DecodeAdapters restores adapter matrices from data into the live set.
// Any mismatch between the declared and current adapter sets, shapes, or
// payload digests is rejected.
func DecodeAdapters(data []byte, set *model.AdapterSet) error {
	r := bytes.NewReader(data)

	magic := make([]byte, 4)
	if _, err := r.Read(magic); err != nil || string(magic) != checkpointMagic {
		return fmt.Errorf("checkpoint: bad magic %q", magic)
	}

	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil || version != checkpointVersion {
		return fmt.Errorf("checkpoint: unsupported version %d", version)
	}

	elemType, err := r.ReadByte()
	if err != nil || elemType != elemTypeF32 {
		return fmt.Errorf("checkpoint: unsupported element type %d", elemType)
	}

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return fmt.Errorf("checkpoint: truncated header: %w", err)
	}
	if int(count) != set.Len() {
		return fmt.Errorf("checkpoint: %d adapters declared, %d attached", count, set.Len())
	}

	type entry struct {
		name   string
		shapeA []int
		shapeB []int
		digest uint64
	}
	entries := make([]entry, count)

	for i := range entries {
		var nameLen uint16
		if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
			return fmt.Errorf("checkpoint: truncated header: %w", err)
		}
		name := make([]byte, nameLen)
		if _, err := r.Read(name); err != nil {
			return fmt.Errorf("checkpoint: truncated header: %w", err)
		}
		entries[i].name = string(name)

		if entries[i].shapeA, err = readShape(r); err != nil {
			return fmt.Errorf("checkpoint: truncated header: %w", err)
		}
		if entries[i].shapeB, err = readShape(r); err != nil {
			return fmt.Errorf("checkpoint: truncated header: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &entries[i].digest); err != nil {
			return fmt.Errorf("checkpoint: truncated header: %w", err)
		}
	}

	for _, e := range entries {
		a, ok := set.Get(e.name)
		if !ok {
			return fmt.Errorf("checkpoint: adapter %q not attached", e.name)
		}
		if !shapeEqual(e.shapeA, a.A.Shape) || !shapeEqual(e.shapeB, a.B.Shape) {
			return fmt.Errorf("checkpoint: adapter %q declares A %v B %v, live A %v B %v",
				e.name, e.shapeA, e.shapeB, a.A.Shape, a.B.Shape)
		}

		size := 4 * (a.A.Size() + a.B.Size())
		body := make([]byte, size)
		if _, err := r.Read(body); err != nil {
			return fmt.Errorf("checkpoint: truncated payload for %q: %w", e.name, err)
		}
		if digest := xxhash.Sum64(body); digest != e.digest {
			return fmt.Errorf("checkpoint: adapter %q payload digest mismatch", e.name)
		}

		readTensorBytes(body[:4*a.A.Size()], a.A)
		readTensorBytes(body[4*a.A.Size():], a.B)
	}

	return nil
}

func writeTensor(w *bytes.Buffer, t *tensor.Tensor) {
	buf := make([]byte, 4)
	for _, v := range t.Data {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
		w.Write(buf)
	}
}

func readTensorBytes(data []byte, t *tensor.Tensor) {
	for i := range t.Data {
		t.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
}

func writeShape(w *bytes.Buffer, shape []int) {
	w.WriteByte(uint8(len(shape)))
	for _, d := range shape {
		binary.Write(w, binary.LittleEndian, uint32(d))
	}
}

func readShape(r *bytes.Reader) ([]int, error) {
	rank, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	shape := make([]int, rank)
	for i := range shape {
		var d uint32
		if err := binary.Read(r, binary.LittleEndian, &d); err != nil {
			return nil, err
		}
		shape[i] = int(d)
	}
	return shape, nil
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// FileSink writes checkpoint files into a directory, one per snapshot plus a
// rolling latest.
type FileSink struct {
	Dir string
}

func (s FileSink) Write(epoch, step int, loss float64, adapters *model.AdapterSet) error {
	data, err := EncodeAdapters(adapters)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint dir: %w", err)
	}

	path := filepath.Join(s.Dir, fmt.Sprintf("adapters-e%03d-s%06d.bin", epoch, step))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.Dir, "adapters-latest.bin"), data, 0o644); err != nil {
		return fmt.Errorf("writing latest checkpoint: %w", err)
	}
	return nil
}
