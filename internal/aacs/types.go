package aacs

import (
	"context"
	"encoding/hex"
	"fmt"
)

// SectorSize is the Blu-ray logical sector length.
const SectorSize = 2048

const (
	// flagMask covers the copy permission bits of the first TP_extra_header.
	flagMask = 0xC0
	// dataOffset is where encrypted data starts in a sector.
	dataOffset = 16
	blockSize  = 16
)

// Key is a 128-bit AES key (processing, volume, unit or bus key).
type Key [16]byte

func (k Key) String() string { return hex.EncodeToString(k[:]) }

// ParseKey decodes 32 hex characters, with or without a 0x prefix.
func ParseKey(s string) (Key, error) {
	var k Key
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		s = s[2:]
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("decode key: %w", err)
	}
	if len(raw) != len(k) {
		return k, fmt.Errorf("key is %d bytes, want %d", len(raw), len(k))
	}
	copy(k[:], raw)
	return k, nil
}

// Nonce is the random value each side contributes to authentication.
type Nonce [20]byte

// VolumeKeyRecord is what the drive returns for READ DISC STRUCTURE volume
// key requests. MAC is keyed with the bus key.
type VolumeKeyRecord struct {
	VolumeID         [16]byte
	EncryptedKey     Key
	VerificationData Key
	MAC              [16]byte
}

// State is the engine session state.
type State int

const (
	StateClosed State = iota
	StateCertificatesVerified
	StateSessionKeyed
	StateAuthenticated
	StateVolumeKeyed
	StateReady
	StateBroken
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateCertificatesVerified:
		return "certificates_verified"
	case StateSessionKeyed:
		return "session_keyed"
	case StateAuthenticated:
		return "authenticated"
	case StateVolumeKeyed:
		return "volume_keyed"
	case StateReady:
		return "ready"
	case StateBroken:
		return "broken"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Device is the drive side of AACS authentication.
type Device interface {
	ReportAGID(ctx context.Context) (int, error)
	SendHostCertificate(ctx context.Context, agid int, nonce Nonce, cert []byte) error
	ReportDriveCertificate(ctx context.Context, agid int) (Nonce, []byte, error)
	// ReportDriveKey returns the drive's ephemeral ECDH point and its
	// signature over the host nonce and that point.
	ReportDriveKey(ctx context.Context, agid int) (point, signature []byte, err error)
	SendHostKey(ctx context.Context, agid int, point, signature []byte) error
	ReadVolumeKey(ctx context.Context, agid int) (VolumeKeyRecord, error)
	InvalidateAGID(ctx context.Context, agid int) error
}

// UnitKeySource supplies encrypted CPS unit keys for playlists.
type UnitKeySource interface {
	EncryptedUnitKey(ctx context.Context, playlist int) (Key, error)
}

// IsEncrypted reports whether the sector's copy permission bits are set.
func IsEncrypted(sector []byte) bool {
	return len(sector) > 0 && sector[0]&flagMask != 0
}
