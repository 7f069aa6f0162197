package css

import (
	"context"
	"encoding/hex"
	"fmt"
)

// SectorSize is the DVD sector length.
const SectorSize = 2048

const (
	// scrambleOffset holds the PES scrambling control bits of a pack.
	scrambleOffset = 0x14
	scrambleMask   = 0x30
	// payloadOffset is where scrambled data starts within a sector.
	payloadOffset = 0x80
	// discKeyEntries is the number of player key slots in a disc key block.
	discKeyEntries = 408
)

// Key is a 40-bit CSS key (bus, disc or title key).
type Key [5]byte

func (k Key) String() string { return hex.EncodeToString(k[:]) }

// Challenge is the 10-byte nonce exchanged during authentication.
type Challenge [10]byte

// PlayerKey is a licensed player key and the slot of the disc key block it
// unlocks.
type PlayerKey struct {
	Index int
	Key   Key
}

// State is the engine session state.
type State int

const (
	StateClosed State = iota
	StateAuthenticated
	StateKeyObtained
	StateReady
	StateBroken
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateAuthenticated:
		return "authenticated"
	case StateKeyObtained:
		return "key_obtained"
	case StateReady:
		return "ready"
	case StateBroken:
		return "broken"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Device is the drive side of the CSS protocol. Method names follow the MMC
// REPORT KEY / SEND KEY / READ DISC STRUCTURE commands they map to.
type Device interface {
	ReportAGID(ctx context.Context) (int, error)
	SendChallenge(ctx context.Context, agid int, challenge Challenge) error
	ReportKey1(ctx context.Context, agid int) (Key, error)
	ReportChallenge(ctx context.Context, agid int) (Challenge, error)
	SendKey2(ctx context.Context, agid int, key Key) error
	// ReadDiscKey returns the 2048-byte disc key block, bus encrypted.
	ReadDiscKey(ctx context.Context, agid int) ([]byte, error)
	// ReportTitleKey returns the title key stored near lba, bus encrypted.
	ReportTitleKey(ctx context.Context, agid int, lba uint32) (Key, error)
	InvalidateAGID(ctx context.Context, agid int) error
}

// Cipher provides the key exchange and descrambling primitives.
type Cipher interface {
	// DriveResponse computes KEY1 for a host challenge.
	DriveResponse(variant int, challenge Challenge) Key
	// HostResponse computes KEY2 for a drive challenge.
	HostResponse(variant int, challenge Challenge) Key
	BusKey(variant int, key1, key2 Key) Key
	// DecryptDiscKey recovers the disc key from an unbussed disc key block.
	DecryptDiscKey(block []byte, keys []PlayerKey) (Key, error)
	DecryptTitleKey(discKey, encrypted Key) Key
	// DecryptPayload descrambles the payload bytes of sector lba in place.
	DecryptPayload(titleKey Key, lba uint32, payload []byte)
}

// Variants is the number of authentication variants a drive may use.
const Variants = 32

// IsScrambled reports whether the sector's scrambling control bits are set.
func IsScrambled(sector []byte) bool {
	return len(sector) > scrambleOffset && sector[scrambleOffset]&scrambleMask != 0
}
