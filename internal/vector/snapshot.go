package vector

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Snapshot layout (little-endian):
//
//	magic    [4]byte "VQIX"
//	version  uint16
//	codec    uint8
//	reserved uint8
//	dim      uint32
//	count    uint64
//	checksum uint32  CRC32-IEEE of the uncompressed payload
//	payload  count*dim float32 vectors, then count int64 image ids (compressed per codec)
const (
	snapshotVersion    = 1
	snapshotHeaderSize = 4 + 2 + 1 + 1 + 4 + 8 + 4
	writeBufferSize    = 256 * 1024
	maxPrealloc        = 1 << 16
)

var snapshotMagic = [4]byte{'V', 'Q', 'I', 'X'}

// Codec selects how the snapshot payload is compressed on disk.
type Codec uint8

const (
	// CodecNone stores the payload uncompressed.
	CodecNone Codec = iota
	// CodecZstd compresses the payload with zstd.
	CodecZstd
	// CodecLZ4 compresses the payload with lz4 frames.
	CodecLZ4
)

// String returns the config name of the codec.
func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecZstd:
		return "zstd"
	case CodecLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// ParseCodec maps a config value to a Codec. Empty means none.
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return CodecNone, nil
	case "zstd":
		return CodecZstd, nil
	case "lz4":
		return CodecLZ4, nil
	default:
		return CodecNone, fmt.Errorf("unknown snapshot compression: %s (supported: none, zstd, lz4)", name)
	}
}

// writeSnapshot serializes one consistent state to w.
func writeSnapshot(w io.Writer, dim int, st *state, codec Codec) error {
	sum := crc32.NewIEEE()
	if err := writePayload(sum, dim, st); err != nil {
		return fmt.Errorf("checksum payload: %w", err)
	}

	header := make([]byte, snapshotHeaderSize)
	copy(header[0:4], snapshotMagic[:])
	binary.LittleEndian.PutUint16(header[4:6], snapshotVersion)
	header[6] = byte(codec)
	binary.LittleEndian.PutUint32(header[8:12], uint32(dim))
	binary.LittleEndian.PutUint64(header[12:20], uint64(len(st.ids)))
	binary.LittleEndian.PutUint32(header[20:24], sum.Sum32())
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	switch codec {
	case CodecNone:
		return writePayload(w, dim, st)
	case CodecZstd:
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return fmt.Errorf("create zstd writer: %w", err)
		}
		if err := writePayload(enc, dim, st); err != nil {
			_ = enc.Close()
			return err
		}
		return enc.Close()
	case CodecLZ4:
		zw := lz4.NewWriter(w)
		if err := writePayload(zw, dim, st); err != nil {
			_ = zw.Close()
			return err
		}
		return zw.Close()
	default:
		return fmt.Errorf("unsupported codec %s", codec)
	}
}

func writePayload(w io.Writer, dim int, st *state) error {
	buf := make([]byte, dim*4)
	for i := range st.ids {
		vec := st.vectors[i*dim : (i+1)*dim]
		for j, v := range vec {
			binary.LittleEndian.PutUint32(buf[j*4:], math.Float32bits(v))
		}
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("write vector: %w", err)
		}
	}
	var idBuf [8]byte
	for _, id := range st.ids {
		binary.LittleEndian.PutUint64(idBuf[:], uint64(id))
		if _, err := w.Write(idBuf[:]); err != nil {
			return fmt.Errorf("write id: %w", err)
		}
	}
	return nil
}

// readSnapshot decodes a snapshot and validates it against the expected dimension.
// Every failure is reported as a reason string so callers can wrap it in CorruptSnapshotError.
func readSnapshot(r io.Reader, dim int) (*state, string, error) {
	header := make([]byte, snapshotHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, "short header", err
	}
	if string(header[0:4]) != string(snapshotMagic[:]) {
		return nil, "bad magic", nil
	}
	if v := binary.LittleEndian.Uint16(header[4:6]); v != snapshotVersion {
		return nil, fmt.Sprintf("unsupported version %d", v), nil
	}
	codec := Codec(header[6])
	fileDim := int(binary.LittleEndian.Uint32(header[8:12]))
	if fileDim != dim {
		return nil, fmt.Sprintf("dimension mismatch: file has %d, index expects %d", fileDim, dim), nil
	}
	count := binary.LittleEndian.Uint64(header[12:20])
	want := binary.LittleEndian.Uint32(header[20:24])

	var payload io.Reader
	switch codec {
	case CodecNone:
		payload = r
	case CodecZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, "open zstd payload", err
		}
		defer dec.Close()
		payload = dec
	case CodecLZ4:
		payload = lz4.NewReader(r)
	default:
		return nil, fmt.Sprintf("unknown codec %d", uint8(codec)), nil
	}

	sum := crc32.NewIEEE()
	tee := io.TeeReader(payload, sum)

	prealloc := count
	if prealloc > maxPrealloc {
		prealloc = maxPrealloc
	}
	st := &state{
		ids:     make([]int64, 0, prealloc),
		vectors: make([]float32, 0, int(prealloc)*dim),
	}
	buf := make([]byte, dim*4)
	for i := uint64(0); i < count; i++ {
		if _, err := io.ReadFull(tee, buf); err != nil {
			return nil, fmt.Sprintf("truncated vector %d of %d", i, count), err
		}
		for j := 0; j < dim; j++ {
			st.vectors = append(st.vectors, math.Float32frombits(binary.LittleEndian.Uint32(buf[j*4:])))
		}
	}
	var idBuf [8]byte
	for i := uint64(0); i < count; i++ {
		if _, err := io.ReadFull(tee, idBuf[:]); err != nil {
			return nil, fmt.Sprintf("truncated id %d of %d", i, count), err
		}
		st.ids = append(st.ids, int64(binary.LittleEndian.Uint64(idBuf[:])))
	}
	if got := sum.Sum32(); got != want {
		return nil, fmt.Sprintf("checksum mismatch: got %08x, want %08x", got, want), nil
	}
	return st, "", nil
}

// writeFileAtomic writes to a temp file in the target directory, fsyncs it and renames it
// over path so a crash never leaves a half-written snapshot behind.
func writeFileAtomic(path string, writeFunc func(io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()
	_ = tmp.Chmod(0644)

	bw := bufio.NewWriterSize(tmp, writeBufferSize)
	if err := writeFunc(bw); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	tmpName = ""

	// Best-effort: fsync the directory so the rename survives a power loss.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// loadSnapshotFile reads the snapshot at path. A missing file yields (nil, nil).
func loadSnapshotFile(path string, dim int) (*state, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, &CorruptSnapshotError{Path: path, Reason: "open", Err: err}
	}
	defer f.Close()
	st, reason, err := readSnapshot(bufio.NewReaderSize(f, writeBufferSize), dim)
	if reason != "" {
		return nil, &CorruptSnapshotError{Path: path, Reason: reason, Err: err}
	}
	return st, nil
}
