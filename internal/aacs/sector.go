package aacs

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
)

// baseIV is the fixed AACS content IV.
var baseIV = [16]byte{
	0x0B, 0xA0, 0xF8, 0xDD, 0xFE, 0xA6, 0x1F, 0xB3,
	0xD8, 0xDF, 0x9F, 0x56, 0x6A, 0x05, 0x0F, 0x78,
}

// BlockIV returns the IV for block n of sector lba: the fixed IV with bytes
// 8..12 set to the sector and the last four bytes set to the block index.
func BlockIV(lba, block uint32) [16]byte {
	iv := baseIV
	binary.BigEndian.PutUint32(iv[8:12], lba)
	binary.BigEndian.PutUint32(iv[12:16], block)
	return iv
}

// decryptData decrypts src into dst block by block, each block with its own IV.
func decryptData(b cipher.Block, lba uint32, dst, src []byte) {
	for n := 0; n+blockSize <= len(src); n += blockSize {
		iv := BlockIV(lba, uint32(n/blockSize))
		cipher.NewCBCDecrypter(b, iv[:]).CryptBlocks(dst[n:n+blockSize], src[n:n+blockSize])
	}
}

// EncryptSector encrypts a plaintext sector in place with key and marks it
// encrypted. It is the inverse of Engine.DecryptSector.
func EncryptSector(key Key, lba uint32, sector []byte) error {
	if len(sector) != SectorSize {
		return errSectorSize(len(sector))
	}
	b, err := aes.NewCipher(key[:])
	if err != nil {
		return err
	}
	data := sector[dataOffset:]
	for n := 0; n+blockSize <= len(data); n += blockSize {
		iv := BlockIV(lba, uint32(n/blockSize))
		cipher.NewCBCEncrypter(b, iv[:]).CryptBlocks(data[n:n+blockSize], data[n:n+blockSize])
	}
	sector[0] |= flagMask
	return nil
}
