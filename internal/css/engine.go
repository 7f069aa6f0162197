package css

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"ripline/internal/logging"
	"ripline/internal/services"
)

// Options configures an Engine.
type Options struct {
	PlayerKeys []PlayerKey
	// Cipher defaults to LFSRCipher.
	Cipher Cipher
	Logger *slog.Logger
	// Rand supplies host challenges; defaults to crypto/rand.
	Rand io.Reader
}

// Engine is one CSS session against one device.
type Engine struct {
	mu         sync.Mutex
	device     Device
	cipher     Cipher
	playerKeys []PlayerKey
	logger     *slog.Logger
	rand       io.Reader

	state     State
	agid      int
	variant   int
	busKey    Key
	discKey   Key
	titleKeys map[int]Key
}

// Open authenticates with the drive. The handshake runs once: request an
// AGID, exchange the host challenge, verify KEY1, answer the drive
// challenge with KEY2. Any failure is returned as ErrAuthenticationFailed.
func Open(ctx context.Context, device Device, opts Options) (*Engine, error) {
	if device == nil {
		return nil, services.Wrap(services.ErrValidation, "css", "open", "device is required", nil)
	}
	e := &Engine{
		device:     device,
		cipher:     opts.Cipher,
		playerKeys: append([]PlayerKey(nil), opts.PlayerKeys...),
		logger:     logging.NewComponentLogger(opts.Logger, "css"),
		rand:       opts.Rand,
		agid:       -1,
		titleKeys:  make(map[int]Key),
	}
	if e.cipher == nil {
		e.cipher = LFSRCipher{}
	}
	if e.rand == nil {
		e.rand = rand.Reader
	}
	if err := e.authenticate(ctx); err != nil {
		e.breakSession(ctx)
		return nil, err
	}
	return e, nil
}

func (e *Engine) authenticate(ctx context.Context) error {
	agid, err := e.device.ReportAGID(ctx)
	if err != nil {
		return authFailure("request AGID", err)
	}
	e.agid = agid

	var hostChallenge Challenge
	if _, err := io.ReadFull(e.rand, hostChallenge[:]); err != nil {
		return authFailure("generate host challenge", err)
	}
	if err := e.device.SendChallenge(ctx, agid, hostChallenge); err != nil {
		return authFailure("send host challenge", err)
	}
	key1, err := e.device.ReportKey1(ctx, agid)
	if err != nil {
		return authFailure("report KEY1", err)
	}
	variant := -1
	for v := 0; v < Variants; v++ {
		want := e.cipher.DriveResponse(v, hostChallenge)
		if subtle.ConstantTimeCompare(want[:], key1[:]) == 1 {
			variant = v
			break
		}
	}
	if variant < 0 {
		return authFailure("verify KEY1", fmt.Errorf("drive response matches no variant"))
	}
	e.variant = variant

	driveChallenge, err := e.device.ReportChallenge(ctx, agid)
	if err != nil {
		return authFailure("report drive challenge", err)
	}
	key2 := e.cipher.HostResponse(variant, driveChallenge)
	if err := e.device.SendKey2(ctx, agid, key2); err != nil {
		return authFailure("send KEY2", err)
	}

	e.busKey = e.cipher.BusKey(variant, key1, key2)
	e.state = StateAuthenticated
	e.logger.Debug("css authentication complete",
		logging.String(logging.FieldEventType, "css_authenticated"),
		logging.Int("agid", agid),
		logging.Int("variant", variant),
	)
	return nil
}

// ObtainDiscKey reads the disc key block from the lead-in and decrypts the
// disc key with the configured player keys.
func (e *Engine) ObtainDiscKey(ctx context.Context) (Key, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateKeyObtained, StateReady:
		return e.discKey, nil
	case StateAuthenticated:
	default:
		return Key{}, e.stateError("obtain disc key")
	}

	block, err := e.device.ReadDiscKey(ctx, e.agid)
	if err != nil {
		e.breakSession(ctx)
		return Key{}, authFailure("read disc key", err)
	}
	plain := append([]byte(nil), block...)
	BusCrypt(e.busKey, plain)
	discKey, err := e.cipher.DecryptDiscKey(plain, e.playerKeys)
	if err != nil {
		e.breakSession(ctx)
		return Key{}, authFailure("decrypt disc key", err)
	}
	e.discKey = discKey
	e.state = StateKeyObtained
	e.logger.Debug("css disc key obtained", logging.String(logging.FieldEventType, "css_disc_key"))
	return discKey, nil
}

// TitleKey returns the title key for title, reading it from the sector at
// startSector on first use. Later calls for the same title do no I/O.
func (e *Engine) TitleKey(ctx context.Context, title int, startSector uint32) (Key, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if key, ok := e.titleKeys[title]; ok {
		return key, nil
	}
	if e.state != StateKeyObtained && e.state != StateReady {
		return Key{}, e.stateError("title key")
	}
	encrypted, err := e.device.ReportTitleKey(ctx, e.agid, startSector)
	if err != nil {
		e.breakSession(ctx)
		return Key{}, authFailure(fmt.Sprintf("read title key %d", title), err)
	}
	BusCrypt(e.busKey, encrypted[:])
	key := e.cipher.DecryptTitleKey(e.discKey, encrypted)
	e.titleKeys[title] = key
	e.state = StateReady
	e.logger.Debug("css title key obtained",
		logging.String(logging.FieldEventType, "css_title_key"),
		logging.Int("title", title),
		logging.Uint64("start_sector", uint64(startSector)),
	)
	return key, nil
}

// DecryptSector returns the plaintext of a 2048-byte sector. Sectors whose
// scrambling bits are clear come back unchanged without needing a key.
func (e *Engine) DecryptSector(sector []byte, lba uint32, title int) ([]byte, error) {
	if len(sector) != SectorSize {
		return nil, services.Wrap(services.ErrInvalidFormat, "css", "decrypt",
			fmt.Sprintf("sector is %d bytes, want %d", len(sector), SectorSize), nil)
	}
	if !IsScrambled(sector) {
		return sector, nil
	}
	e.mu.Lock()
	key, ok := e.titleKeys[title]
	e.mu.Unlock()
	if !ok {
		return nil, services.Wrap(services.ErrInvalidState, "css", "decrypt",
			fmt.Sprintf("no title key for title %d", title), nil)
	}
	out := append([]byte(nil), sector...)
	e.cipher.DecryptPayload(key, lba, out[payloadOffset:])
	out[scrambleOffset] &^= scrambleMask
	return out, nil
}

// State reports the current session state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Close releases the AGID and forgets all keys.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var err error
	if e.agid >= 0 {
		err = e.device.InvalidateAGID(context.Background(), e.agid)
		e.agid = -1
	}
	e.titleKeys = make(map[int]Key)
	e.discKey = Key{}
	e.busKey = Key{}
	e.state = StateClosed
	return err
}

func (e *Engine) breakSession(ctx context.Context) {
	if e.agid >= 0 {
		if err := e.device.InvalidateAGID(ctx, e.agid); err != nil {
			e.logger.Debug("invalidate AGID failed", logging.Error(err))
		}
		e.agid = -1
	}
	e.state = StateBroken
}

func (e *Engine) stateError(op string) error {
	return services.Wrap(services.ErrInvalidState, "css", op, fmt.Sprintf("session is %s", e.state), nil)
}

func authFailure(step string, err error) error {
	return services.Wrap(services.ErrAuthenticationFailed, "css", step, "", err)
}
