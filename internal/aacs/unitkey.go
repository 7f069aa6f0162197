package aacs

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
)

// UnitKeyFile reads encrypted CPS unit keys from AACS/Unit_Key_RO.inf. The
// file starts with the offset of the unit key block; the block holds a
// 16-bit unit count and one 48-byte record per unit whose first 16 bytes are
// the encrypted key.
//
// Every playlist maps to CPS unit 1.
type UnitKeyFile struct {
	Path string

	once sync.Once
	keys []Key
	err  error
}

// NewUnitKeyFile returns a lazily loaded unit key source.
func NewUnitKeyFile(path string) *UnitKeyFile {
	return &UnitKeyFile{Path: path}
}

func (f *UnitKeyFile) EncryptedUnitKey(ctx context.Context, playlist int) (Key, error) {
	f.once.Do(func() {
		data, err := os.ReadFile(f.Path)
		if err != nil {
			f.err = fmt.Errorf("read unit key file: %w", err)
			return
		}
		f.keys, f.err = ParseUnitKeys(data)
	})
	if f.err != nil {
		return Key{}, f.err
	}
	if len(f.keys) == 0 {
		return Key{}, fmt.Errorf("unit key file lists no units")
	}
	return f.keys[0], nil
}

// ParseUnitKeys decodes the encrypted unit keys of a Unit_Key_RO.inf file.
func ParseUnitKeys(data []byte) ([]Key, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("unit key file truncated")
	}
	pos := int(binary.BigEndian.Uint32(data))
	if pos+2 > len(data) {
		return nil, fmt.Errorf("unit key block offset %d past end", pos)
	}
	count := int(binary.BigEndian.Uint16(data[pos:]))
	keys := make([]Key, 0, count)
	for i := 1; i <= count; i++ {
		off := pos + 48*i
		if off+16 > len(data) {
			return nil, fmt.Errorf("unit key %d truncated", i)
		}
		var k Key
		copy(k[:], data[off:off+16])
		keys = append(keys, k)
	}
	return keys, nil
}

// BuildUnitKeyFile encodes encrypted unit keys in the Unit_Key_RO.inf layout.
func BuildUnitKeyFile(keys []Key) []byte {
	const pos = 16
	out := make([]byte, pos+48*(len(keys)+1))
	binary.BigEndian.PutUint32(out, pos)
	binary.BigEndian.PutUint16(out[pos:], uint16(len(keys)))
	for i, k := range keys {
		copy(out[pos+48*(i+1):], k[:])
	}
	return out
}
