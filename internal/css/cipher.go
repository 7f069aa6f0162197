package css

import (
	"crypto/subtle"
	"errors"
)

// LFSRCipher is the default Cipher. Keystreams come from a 17-bit and a
// 25-bit linear feedback shift register whose outputs are summed with carry.
// Scrambling and descrambling are the same operation.
type LFSRCipher struct{}

type keystream struct {
	lfsr17 uint32
	lfsr25 uint32
	carry  uint32
}

func newKeystream(seed Key) *keystream {
	// Bit 8 of each register is forced so neither can start at zero.
	return &keystream{
		lfsr17: uint32(seed[0])<<9 | 0x100 | uint32(seed[1]),
		lfsr25: uint32(seed[2])<<17 | uint32(seed[3])<<9 | 0x100 | uint32(seed[4]),
	}
}

func (k *keystream) next() byte {
	var a, b uint32
	for i := 0; i < 8; i++ {
		bit17 := ((k.lfsr17 >> 16) ^ (k.lfsr17 >> 13)) & 1
		k.lfsr17 = (k.lfsr17<<1 | bit17) & 0x1FFFF
		a = a<<1 | bit17

		bit25 := ((k.lfsr25 >> 24) ^ (k.lfsr25 >> 11) ^ (k.lfsr25 >> 3) ^ (k.lfsr25 >> 2)) & 1
		k.lfsr25 = (k.lfsr25<<1 | bit25) & 0x1FFFFFF
		b = b<<1 | bit25
	}
	sum := (a ^ 0xFF) + b + k.carry
	k.carry = sum >> 8
	return byte(sum)
}

func (k *keystream) xor(dst []byte) {
	for i := range dst {
		dst[i] ^= k.next()
	}
}

func sectorSeed(key Key, lba uint32) Key {
	seed := key
	seed[0] ^= byte(lba >> 24)
	seed[1] ^= byte(lba >> 16)
	seed[2] ^= byte(lba >> 8)
	seed[3] ^= byte(lba)
	seed[4] ^= byte(lba>>24) ^ byte(lba)
	return seed
}

func mangle(kind byte, variant int, in []byte) Key {
	var seed Key
	for i, b := range in {
		seed[i%len(seed)] ^= b
	}
	seed[0] ^= kind
	seed[4] ^= byte(variant)
	ks := newKeystream(seed)
	var out Key
	for round := 0; round < 2; round++ {
		for i := range out {
			out[i] ^= ks.next() ^ in[(i+round)%len(in)]
		}
	}
	return out
}

func cryptKey(key, value Key) Key {
	out := value
	newKeystream(key).xor(out[:])
	return out
}

func (LFSRCipher) DriveResponse(variant int, challenge Challenge) Key {
	return mangle(0, variant, challenge[:])
}

func (LFSRCipher) HostResponse(variant int, challenge Challenge) Key {
	return mangle(1, variant, challenge[:])
}

func (LFSRCipher) BusKey(variant int, key1, key2 Key) Key {
	in := append(append([]byte{}, key1[:]...), key2[:]...)
	return mangle(2, variant, in)
}

var errNoPlayerKey = errors.New("no player key unlocks the disc key block")

func (LFSRCipher) DecryptDiscKey(block []byte, keys []PlayerKey) (Key, error) {
	if len(block) < 5+discKeyEntries*5 {
		return Key{}, errors.New("disc key block too short")
	}
	var hash Key
	copy(hash[:], block[:5])
	for _, pk := range keys {
		if pk.Index < 0 || pk.Index >= discKeyEntries {
			continue
		}
		var entry Key
		copy(entry[:], block[5+pk.Index*5:])
		candidate := cryptKey(pk.Key, entry)
		check := cryptKey(candidate, candidate)
		if subtle.ConstantTimeCompare(check[:], hash[:]) == 1 {
			return candidate, nil
		}
	}
	return Key{}, errNoPlayerKey
}

func (LFSRCipher) DecryptTitleKey(discKey, encrypted Key) Key {
	return cryptKey(discKey, encrypted)
}

func (LFSRCipher) DecryptPayload(titleKey Key, lba uint32, payload []byte) {
	newKeystream(sectorSeed(titleKey, lba)).xor(payload)
}

// EncryptDiscKeyBlock builds the 2048-byte disc key block a pressed disc
// carries for discKey, filling the slots of the given player keys.
func (LFSRCipher) EncryptDiscKeyBlock(discKey Key, keys []PlayerKey) []byte {
	block := make([]byte, SectorSize)
	hash := cryptKey(discKey, discKey)
	copy(block, hash[:])
	for _, pk := range keys {
		if pk.Index < 0 || pk.Index >= discKeyEntries {
			continue
		}
		entry := cryptKey(pk.Key, discKey)
		copy(block[5+pk.Index*5:], entry[:])
	}
	return block
}

// EncryptTitleKey is the inverse of DecryptTitleKey.
func (c LFSRCipher) EncryptTitleKey(discKey, titleKey Key) Key {
	return c.DecryptTitleKey(discKey, titleKey)
}

// ScrambleSector scrambles a plaintext sector in place and sets its
// scrambling control bits.
func (c LFSRCipher) ScrambleSector(titleKey Key, lba uint32, sector []byte) {
	if len(sector) != SectorSize {
		return
	}
	c.DecryptPayload(titleKey, lba, sector[payloadOffset:])
	sector[scrambleOffset] = sector[scrambleOffset]&^scrambleMask | 0x10
}

// BusCrypt applies the bus key to data in place. It is its own inverse.
func BusCrypt(busKey Key, data []byte) {
	for i := range data {
		data[i] ^= busKey[i%len(busKey)]
	}
}
