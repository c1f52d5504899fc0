package lua

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	lua "github.com/yuin/gopher-lua"
	"github.com/zeebo/blake3"
)

// PreservationVersionKey is the global a script sets to version its
// preserved data. Data saved under a different version is discarded.
const PreservationVersionKey = "_PRESERVATION_VERSION"

// State file layout: magic, format, compression, BLAKE3-256 digest of the
// uncompressed body, body.
const (
	stateMagic   = "LSBX"
	stateFormat  = 1
	digestSize   = 32
	headerLength = len(stateMagic) + 2 + digestSize
)

// ErrCorruptState is returned when a state file fails validation.
var ErrCorruptState = errors.New("corrupt state file")

// Compression selects the state file body encoding.
type Compression byte

// Supported compressions.
const (
	CompressionNone Compression = iota
	CompressionZstd
	CompressionLZ4
)

// String returns the compression name.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("compression(%d)", byte(c))
	}
}

// ParseCompression parses a compression name. The empty string selects zstd.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "zstd":
		return CompressionZstd, nil
	case "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

// cellKind tags a preserved value.
type cellKind uint8

const (
	kindBool cellKind = iota + 1
	kindNumber
	kindString
	kindTable
)

// cell is one preserved Lua value. Tables are stored once in
// snapshot.Tables and referenced by index so shared and cyclic references
// survive a round trip.
type cell struct {
	Kind cellKind `cbor:"1,keyasint"`
	Bool bool     `cbor:"2,keyasint,omitempty"`
	Num  float64  `cbor:"3,keyasint,omitempty"`
	Str  []byte   `cbor:"4,keyasint,omitempty"`
	Ref  int      `cbor:"5,keyasint,omitempty"`
}

type slot struct {
	Key   cell `cbor:"1,keyasint"`
	Value cell `cbor:"2,keyasint"`
}

// snapshot is the CBOR body of a state file.
type snapshot struct {
	Version float64  `cbor:"1,keyasint"`
	Globals []slot   `cbor:"2,keyasint"`
	Tables  [][]slot `cbor:"3,keyasint"`
}

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error

	decMode, _ = cbor.DecOptions{
		MaxArrayElements: 1 << 26,
		MaxMapPairs:      1 << 26,
		MaxNestedLevels:  16,
	}.DecMode()
)

func zstdCodecs() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil)
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil)
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// PreservationVersion returns the script's _PRESERVATION_VERSION, or 0.
func (s *State) PreservationVersion() float64 {
	if n, ok := s.L.GetGlobal(PreservationVersionKey).(lua.LNumber); ok {
		return float64(n)
	}
	return 0
}

// Preserve writes the script's globals to path. Built-in globals, functions
// and userdata are skipped. The file is replaced atomically.
func (s *State) Preserve(path string, c Compression) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStateClosed
	}

	snap := s.snapshot()
	body, err := cbor.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode preserved data: %w", err)
	}
	payload, err := compress(c, body)
	if err != nil {
		return err
	}

	digest := blake3.Sum256(body)
	out := make([]byte, 0, headerLength+len(payload))
	out = append(out, stateMagic...)
	out = append(out, stateFormat, byte(c))
	out = append(out, digest[:]...)
	out = append(out, payload...)

	return writeFileAtomic(path, out)
}

func (s *State) snapshot() *snapshot {
	enc := &snapshotEncoder{refs: make(map[*lua.LTable]int)}
	snap := &snapshot{Version: s.PreservationVersion()}

	var names []string
	s.L.G.Global.ForEach(func(k, _ lua.LValue) {
		ks, ok := k.(lua.LString)
		if !ok || s.IsBuiltin(string(ks)) || string(ks) == PreservationVersionKey {
			return
		}
		names = append(names, string(ks))
	})
	sort.Strings(names)

	for _, name := range names {
		v, ok := enc.cell(s.L.G.Global.RawGetString(name))
		if !ok {
			continue
		}
		snap.Globals = append(snap.Globals, slot{
			Key:   cell{Kind: kindString, Str: []byte(name)},
			Value: v,
		})
	}
	snap.Tables = enc.tables
	return snap
}

type snapshotEncoder struct {
	refs   map[*lua.LTable]int
	tables [][]slot
}

func (e *snapshotEncoder) cell(v lua.LValue) (cell, bool) {
	switch v := v.(type) {
	case lua.LBool:
		return cell{Kind: kindBool, Bool: bool(v)}, true
	case lua.LNumber:
		return cell{Kind: kindNumber, Num: float64(v)}, true
	case lua.LString:
		return cell{Kind: kindString, Str: []byte(v)}, true
	case *lua.LTable:
		if ref, ok := e.refs[v]; ok {
			return cell{Kind: kindTable, Ref: ref}, true
		}
		ref := len(e.tables)
		e.refs[v] = ref
		e.tables = append(e.tables, nil)

		var slots []slot
		v.ForEach(func(key, value lua.LValue) {
			if n, ok := key.(lua.LNumber); ok && math.IsNaN(float64(n)) {
				return
			}
			kc, ok := e.cell(key)
			if !ok {
				return
			}
			vc, ok := e.cell(value)
			if !ok {
				return
			}
			slots = append(slots, slot{Key: kc, Value: vc})
		})
		e.tables[ref] = slots
		return cell{Kind: kindTable, Ref: ref}, true
	default:
		return cell{}, false
	}
}

// Restore loads globals preserved at path. A missing file is not an error.
// Data saved under a different _PRESERVATION_VERSION than the loaded
// script's is discarded. It reports whether data was applied.
func (s *State) Restore(path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrStateClosed
	}

	snap, err := readStateFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if snap.Version != s.PreservationVersion() {
		return false, nil
	}

	tables := make([]*lua.LTable, len(snap.Tables))
	for i := range tables {
		tables[i] = s.L.NewTable()
	}
	dec := snapshotDecoder{tables: tables}
	for i, slots := range snap.Tables {
		for _, sl := range slots {
			k, err := dec.value(sl.Key)
			if err != nil {
				return false, err
			}
			if n, ok := k.(lua.LNumber); ok && math.IsNaN(float64(n)) {
				return false, fmt.Errorf("%w: NaN table key", ErrCorruptState)
			}
			v, err := dec.value(sl.Value)
			if err != nil {
				return false, err
			}
			tables[i].RawSet(k, v)
		}
	}
	for _, sl := range snap.Globals {
		if sl.Key.Kind != kindString {
			return false, fmt.Errorf("%w: global key of kind %d", ErrCorruptState, sl.Key.Kind)
		}
		v, err := dec.value(sl.Value)
		if err != nil {
			return false, err
		}
		s.L.SetGlobal(string(sl.Key.Str), v)
	}
	return true, nil
}

type snapshotDecoder struct {
	tables []*lua.LTable
}

func (d snapshotDecoder) value(c cell) (lua.LValue, error) {
	switch c.Kind {
	case kindBool:
		return lua.LBool(c.Bool), nil
	case kindNumber:
		return lua.LNumber(c.Num), nil
	case kindString:
		return lua.LString(c.Str), nil
	case kindTable:
		if c.Ref < 0 || c.Ref >= len(d.tables) {
			return nil, fmt.Errorf("%w: table reference %d out of range", ErrCorruptState, c.Ref)
		}
		return d.tables[c.Ref], nil
	default:
		return nil, fmt.Errorf("%w: unknown value kind %d", ErrCorruptState, c.Kind)
	}
}

// readStateFile reads and validates a state file.
func readStateFile(path string) (*snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	body, err := StateBody(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	var snap snapshot
	if err := decMode.Unmarshal(body, &snap); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", path, ErrCorruptState, err)
	}
	return &snap, nil
}

// StateBody validates the header of a state file and returns its
// decompressed CBOR body.
func StateBody(data []byte) ([]byte, error) {
	if len(data) < headerLength || string(data[:len(stateMagic)]) != stateMagic {
		return nil, fmt.Errorf("%w: bad header", ErrCorruptState)
	}
	if format := data[len(stateMagic)]; format != stateFormat {
		return nil, fmt.Errorf("%w: unsupported format %d", ErrCorruptState, format)
	}
	c := Compression(data[len(stateMagic)+1])
	digest := data[len(stateMagic)+2 : headerLength]

	body, err := decompress(c, data[headerLength:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	sum := blake3.Sum256(body)
	if !bytes.Equal(sum[:], digest) {
		return nil, fmt.Errorf("%w: digest mismatch", ErrCorruptState)
	}
	return body, nil
}

func compress(c Compression, body []byte) ([]byte, error) {
	switch c {
	case CompressionNone:
		return body, nil
	case CompressionZstd:
		enc, _, err := zstdCodecs()
		if err != nil {
			return nil, err
		}
		return enc.EncodeAll(body, nil), nil
	case CompressionLZ4:
		var buf bytes.Buffer
		zw := lz4.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown compression %d", byte(c))
	}
}

func decompress(c Compression, payload []byte) ([]byte, error) {
	switch c {
	case CompressionNone:
		return payload, nil
	case CompressionZstd:
		_, dec, err := zstdCodecs()
		if err != nil {
			return nil, err
		}
		return dec.DecodeAll(payload, nil)
	case CompressionLZ4:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(payload)))
	default:
		return nil, fmt.Errorf("unknown compression %d", byte(c))
	}
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
