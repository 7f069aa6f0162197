// Package csstest provides a software CSS drive for tests.
package csstest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"ripline/internal/css"
)

// Failure steps accepted by Drive.FailAt.
const (
	StepAGID           = "agid"
	StepChallenge      = "challenge"
	StepKey1           = "key1"
	StepDriveChallenge = "drive_challenge"
	StepKey2           = "key2"
	StepDiscKey        = "disc_key"
	StepTitleKey       = "title_key"
)

// Drive emulates the CSS side of a DVD drive using css.LFSRCipher.
type Drive struct {
	mu sync.Mutex

	Variant    int
	DiscKey    css.Key
	PlayerKeys []css.PlayerKey
	// FailAt makes the named step return an error.
	FailAt string
	// WrongKey1 makes the drive answer the host challenge incorrectly.
	WrongKey1 bool

	titles []titleEntry
	calls  map[string]int

	agid           int
	nextAGID       int
	hostChallenge  css.Challenge
	driveChallenge css.Challenge
	key1           css.Key
	authenticated  bool
	busKey         css.Key
	invalidated    []int
}

type titleEntry struct {
	lba uint32
	key css.Key
}

// DefaultPlayerKey is the player key New installs in slot 7.
var DefaultPlayerKey = css.PlayerKey{Index: 7, Key: css.Key{0x51, 0x67, 0x67, 0xC5, 0xE0}}

// New returns a drive with a fixed disc key and DefaultPlayerKey.
func New() *Drive {
	return &Drive{
		Variant:    5,
		DiscKey:    css.Key{0x1A, 0x2B, 0x3C, 0x4D, 0x5E},
		PlayerKeys: []css.PlayerKey{DefaultPlayerKey},
		agid:       -1,
		calls:      map[string]int{},
	}
}

// AddTitle registers the title key stored at lba. Sectors at or after lba
// (up to the next registered title) are scrambled with it by Transform.
func (d *Drive) AddTitle(lba uint32, key css.Key) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.titles = append(d.titles, titleEntry{lba: lba, key: key})
	sort.Slice(d.titles, func(i, j int) bool { return d.titles[i].lba < d.titles[j].lba })
}

// Transform scrambles even-numbered sectors with the owning title key and
// leaves odd ones in the clear, the way navigation packs are.
func (d *Drive) Transform(sector []byte, lba uint32) {
	if lba%2 == 1 {
		return
	}
	key, ok := d.keyFor(lba)
	if !ok {
		return
	}
	css.LFSRCipher{}.ScrambleSector(key, lba, sector)
}

func (d *Drive) keyFor(lba uint32) (css.Key, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.titles) - 1; i >= 0; i-- {
		if d.titles[i].lba <= lba {
			return d.titles[i].key, true
		}
	}
	return css.Key{}, false
}

// Calls reports how many times a step ran.
func (d *Drive) Calls(step string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[step]
}

// Invalidated lists the AGIDs released by the host.
func (d *Drive) Invalidated() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.invalidated...)
}

func (d *Drive) step(name string) error {
	d.calls[name]++
	if d.FailAt == name {
		return fmt.Errorf("simulated %s failure", name)
	}
	return nil
}

func (d *Drive) checkAGID(agid int) error {
	if d.agid < 0 || agid != d.agid {
		return fmt.Errorf("invalid AGID %d", agid)
	}
	return nil
}

func (d *Drive) ReportAGID(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.step(StepAGID); err != nil {
		return 0, err
	}
	d.agid = d.nextAGID % 4
	d.nextAGID++
	d.authenticated = false
	return d.agid, nil
}

func (d *Drive) SendChallenge(ctx context.Context, agid int, challenge css.Challenge) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.step(StepChallenge); err != nil {
		return err
	}
	if err := d.checkAGID(agid); err != nil {
		return err
	}
	d.hostChallenge = challenge
	return nil
}

func (d *Drive) ReportKey1(ctx context.Context, agid int) (css.Key, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.step(StepKey1); err != nil {
		return css.Key{}, err
	}
	if err := d.checkAGID(agid); err != nil {
		return css.Key{}, err
	}
	d.key1 = css.LFSRCipher{}.DriveResponse(d.Variant, d.hostChallenge)
	if d.WrongKey1 {
		d.key1[0] ^= 0xFF
	}
	return d.key1, nil
}

func (d *Drive) ReportChallenge(ctx context.Context, agid int) (css.Challenge, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.step(StepDriveChallenge); err != nil {
		return css.Challenge{}, err
	}
	if err := d.checkAGID(agid); err != nil {
		return css.Challenge{}, err
	}
	for i := range d.driveChallenge {
		d.driveChallenge[i] = byte(0xA0 + i*3 + d.nextAGID)
	}
	return d.driveChallenge, nil
}

func (d *Drive) SendKey2(ctx context.Context, agid int, key css.Key) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.step(StepKey2); err != nil {
		return err
	}
	if err := d.checkAGID(agid); err != nil {
		return err
	}
	cipher := css.LFSRCipher{}
	if key != cipher.HostResponse(d.Variant, d.driveChallenge) {
		return errors.New("KEY2 mismatch")
	}
	d.busKey = cipher.BusKey(d.Variant, d.key1, key)
	d.authenticated = true
	return nil
}

func (d *Drive) ReadDiscKey(ctx context.Context, agid int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.step(StepDiscKey); err != nil {
		return nil, err
	}
	if err := d.checkAGID(agid); err != nil {
		return nil, err
	}
	if !d.authenticated {
		return nil, errors.New("not authenticated")
	}
	block := css.LFSRCipher{}.EncryptDiscKeyBlock(d.DiscKey, d.PlayerKeys)
	css.BusCrypt(d.busKey, block)
	return block, nil
}

func (d *Drive) ReportTitleKey(ctx context.Context, agid int, lba uint32) (css.Key, error) {
	d.mu.Lock()
	if err := d.step(StepTitleKey); err != nil {
		d.mu.Unlock()
		return css.Key{}, err
	}
	if err := d.checkAGID(agid); err != nil {
		d.mu.Unlock()
		return css.Key{}, err
	}
	if !d.authenticated {
		d.mu.Unlock()
		return css.Key{}, errors.New("not authenticated")
	}
	busKey, discKey := d.busKey, d.DiscKey
	d.mu.Unlock()

	key, ok := d.keyFor(lba)
	if !ok {
		return css.Key{}, fmt.Errorf("no title key at sector %d", lba)
	}
	enc := css.LFSRCipher{}.EncryptTitleKey(discKey, key)
	css.BusCrypt(busKey, enc[:])
	return enc, nil
}

func (d *Drive) InvalidateAGID(ctx context.Context, agid int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.invalidated = append(d.invalidated, agid)
	if agid == d.agid {
		d.agid = -1
		d.authenticated = false
	}
	return nil
}
