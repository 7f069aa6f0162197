package aacs

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/crypto/hkdf"

	"ripline/internal/logging"
	"ripline/internal/services"
)

// verificationPlain is the first half of the decrypted verification data
// when the volume key is correct.
var verificationPlain = []byte{0x01, 0x23, 0x45, 0x67, 0x89, 0xAB, 0xCD, 0xEF}

const busKeyInfo = "AACS bus key"

// Options configures an Engine.
type Options struct {
	Credentials    Credentials
	ProcessingKeys []Key
	// VolumeKey, when known from KEYDB for this disc, skips the processing
	// key search and the volume key read.
	VolumeKey *Key
	UnitKeys  UnitKeySource
	Logger    *slog.Logger
	// Rand defaults to crypto/rand.
	Rand io.Reader
}

// Engine is one AACS session against one device.
type Engine struct {
	mu     sync.Mutex
	device Device
	opts   Options
	logger *slog.Logger
	rand   io.Reader

	state      State
	agid       int
	busKey     Key
	volumeKey  Key
	hasVolume  bool
	titleKeys  map[int]Key
	titleBlock map[int]cipher.Block
}

// Open authenticates with the drive: certificate exchange and chain
// verification, ECDH bus key agreement, then mutual signatures over the
// exchanged nonces. Failures are ErrAuthenticationFailed.
func Open(ctx context.Context, device Device, opts Options) (*Engine, error) {
	if device == nil {
		return nil, services.Wrap(services.ErrValidation, "aacs", "open", "device is required", nil)
	}
	e := &Engine{
		device:     device,
		opts:       opts,
		logger:     logging.NewComponentLogger(opts.Logger, "aacs"),
		rand:       opts.Rand,
		agid:       -1,
		titleKeys:  make(map[int]Key),
		titleBlock: make(map[int]cipher.Block),
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
	creds := e.opts.Credentials
	if len(creds.Certificate) == 0 || creds.PrivateKey == nil || creds.Root == nil {
		return authFailure("load credentials", errors.New("host certificate, private key and trusted root are required"))
	}

	agid, err := e.device.ReportAGID(ctx)
	if err != nil {
		return authFailure("request AGID", err)
	}
	e.agid = agid

	var hostNonce Nonce
	if _, err := io.ReadFull(e.rand, hostNonce[:]); err != nil {
		return authFailure("generate host nonce", err)
	}
	if err := e.device.SendHostCertificate(ctx, agid, hostNonce, creds.Certificate); err != nil {
		return authFailure("send host certificate", err)
	}
	driveNonce, driveCertRaw, err := e.device.ReportDriveCertificate(ctx, agid)
	if err != nil {
		return authFailure("report drive certificate", err)
	}
	driveCert, err := ParseCertificate(driveCertRaw)
	if err != nil {
		return authFailure("parse drive certificate", err)
	}
	if driveCert.Type != CertDrive {
		return authFailure("check drive certificate", fmt.Errorf("certificate type %#x is not a drive certificate", driveCert.Type))
	}
	if err := driveCert.Verify(creds.Root); err != nil {
		return authFailure("verify drive certificate", err)
	}
	e.state = StateCertificatesVerified

	drivePoint, driveSig, err := e.device.ReportDriveKey(ctx, agid)
	if err != nil {
		return authFailure("report drive key", err)
	}
	drivePub, err := ecdh.P256().NewPublicKey(drivePoint)
	if err != nil {
		return authFailure("decode drive key", err)
	}
	hostEphemeral, err := ecdh.P256().GenerateKey(e.rand)
	if err != nil {
		return authFailure("generate host key", err)
	}
	shared, err := hostEphemeral.ECDH(drivePub)
	if err != nil {
		return authFailure("agree bus key", err)
	}
	salt := append(append([]byte{}, hostNonce[:]...), driveNonce[:]...)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte(busKeyInfo)), e.busKey[:]); err != nil {
		return authFailure("derive bus key", err)
	}
	e.state = StateSessionKeyed

	if !ecdsa.VerifyASN1(driveCert.PublicKey, signedDigest(hostNonce, drivePoint), driveSig) {
		return authFailure("verify drive signature", errors.New("drive key signature does not verify"))
	}
	hostPoint := hostEphemeral.PublicKey().Bytes()
	hostSig, err := ecdsa.SignASN1(e.rand, creds.PrivateKey, signedDigest(driveNonce, hostPoint))
	if err != nil {
		return authFailure("sign host key", err)
	}
	if err := e.device.SendHostKey(ctx, agid, hostPoint, hostSig); err != nil {
		return authFailure("send host key", err)
	}
	e.state = StateAuthenticated
	e.logger.Debug("aacs authentication complete",
		logging.String(logging.FieldEventType, "aacs_authenticated"),
		logging.Int("agid", agid),
		logging.String("drive_id", fmt.Sprintf("%x", driveCert.ID)),
	)
	return nil
}

// signedDigest hashes the peer nonce followed by the signer's ECDH point.
func signedDigest(nonce Nonce, point []byte) []byte {
	h := sha256.New()
	h.Write(nonce[:])
	h.Write(point)
	return h.Sum(nil)
}

// BusMAC is the MAC the drive attaches to a volume key record.
func BusMAC(busKey Key, rec VolumeKeyRecord) [16]byte {
	m := hmac.New(sha256.New, busKey[:])
	m.Write(rec.VolumeID[:])
	m.Write(rec.EncryptedKey[:])
	m.Write(rec.VerificationData[:])
	var out [16]byte
	copy(out[:], m.Sum(nil))
	return out
}

// ObtainVolumeKey recovers the volume key, either from the configured KEYDB
// entry or by reading it from the disc and trying each processing key.
func (e *Engine) ObtainVolumeKey(ctx context.Context) (Key, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateVolumeKeyed, StateReady:
		return e.volumeKey, nil
	case StateAuthenticated:
	default:
		return Key{}, e.stateError("obtain volume key")
	}

	if e.opts.VolumeKey != nil {
		e.setVolumeKey(*e.opts.VolumeKey, "keydb")
		return e.volumeKey, nil
	}

	rec, err := e.device.ReadVolumeKey(ctx, e.agid)
	if err != nil {
		e.breakSession(ctx)
		return Key{}, authFailure("read volume key", err)
	}
	want := BusMAC(e.busKey, rec)
	if !hmac.Equal(want[:], rec.MAC[:]) {
		e.breakSession(ctx)
		return Key{}, authFailure("verify volume key MAC", errors.New("MAC mismatch"))
	}
	for _, pk := range e.opts.ProcessingKeys {
		candidate, err := decryptKey(pk, rec.EncryptedKey)
		if err != nil {
			continue
		}
		check, err := decryptKey(candidate, rec.VerificationData)
		if err != nil {
			continue
		}
		if bytes.Equal(check[:len(verificationPlain)], verificationPlain) {
			e.setVolumeKey(candidate, "processing_key")
			return e.volumeKey, nil
		}
	}
	e.breakSession(ctx)
	return Key{}, services.Wrap(services.ErrVolumeKeyNotFound, "aacs", "obtain volume key",
		fmt.Sprintf("none of %d processing keys decrypts the volume key", len(e.opts.ProcessingKeys)), nil)
}

func (e *Engine) setVolumeKey(k Key, source string) {
	e.volumeKey = k
	e.hasVolume = true
	e.state = StateVolumeKeyed
	e.logger.Debug("aacs volume key obtained",
		logging.String(logging.FieldEventType, "aacs_volume_key"),
		logging.String("source", source),
	)
}

// TitleKey returns the unit key protecting playlist. It fails with
// ErrVolumeKeyNotFound until ObtainVolumeKey has succeeded.
func (e *Engine) TitleKey(ctx context.Context, playlist int) (Key, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if key, ok := e.titleKeys[playlist]; ok {
		return key, nil
	}
	if e.state == StateBroken || e.state == StateClosed {
		return Key{}, e.stateError("title key")
	}
	if !e.hasVolume {
		return Key{}, services.Wrap(services.ErrVolumeKeyNotFound, "aacs", "title key",
			fmt.Sprintf("playlist %d requested before the volume key", playlist), nil)
	}
	if e.opts.UnitKeys == nil {
		return Key{}, services.Wrap(services.ErrNotFound, "aacs", "title key", "no unit key source", nil)
	}
	encrypted, err := e.opts.UnitKeys.EncryptedUnitKey(ctx, playlist)
	if err != nil {
		return Key{}, services.Wrap(services.ErrNotFound, "aacs", "title key", fmt.Sprintf("playlist %d", playlist), err)
	}
	key, err := decryptKey(e.volumeKey, encrypted)
	if err != nil {
		return Key{}, err
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return Key{}, err
	}
	e.titleKeys[playlist] = key
	e.titleBlock[playlist] = block
	e.state = StateReady
	return key, nil
}

// DecryptSector returns the plaintext of a 2048-byte sector. Sectors without
// the copy permission bits set come back unchanged.
func (e *Engine) DecryptSector(sector []byte, lba uint32, playlist int) ([]byte, error) {
	if len(sector) != SectorSize {
		return nil, services.Wrap(services.ErrInvalidFormat, "aacs", "decrypt", "", errSectorSize(len(sector)))
	}
	if !IsEncrypted(sector) {
		return sector, nil
	}
	e.mu.Lock()
	block, ok := e.titleBlock[playlist]
	e.mu.Unlock()
	if !ok {
		return nil, services.Wrap(services.ErrInvalidState, "aacs", "decrypt",
			fmt.Sprintf("no title key for playlist %d", playlist), nil)
	}
	out := make([]byte, SectorSize)
	copy(out[:dataOffset], sector[:dataOffset])
	decryptData(block, lba, out[dataOffset:], sector[dataOffset:])
	out[0] &^= flagMask
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
	e.titleBlock = make(map[int]cipher.Block)
	e.volumeKey = Key{}
	e.hasVolume = false
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
	e.hasVolume = false
	e.state = StateBroken
}

func (e *Engine) stateError(op string) error {
	return services.Wrap(services.ErrInvalidState, "aacs", op, fmt.Sprintf("session is %s", e.state), nil)
}

func decryptKey(key, data Key) (Key, error) {
	b, err := aes.NewCipher(key[:])
	if err != nil {
		return Key{}, err
	}
	var out Key
	b.Decrypt(out[:], data[:])
	return out, nil
}

// EncryptKey is the inverse of the key unwrapping used for volume, unit and
// verification keys.
func EncryptKey(key, data Key) Key {
	b, _ := aes.NewCipher(key[:])
	var out Key
	b.Encrypt(out[:], data[:])
	return out
}

// VerificationData returns the record a disc carries so that volumeKey can
// be recognised after decryption.
func VerificationData(volumeKey Key) Key {
	var plain Key
	copy(plain[:], verificationPlain)
	return EncryptKey(volumeKey, plain)
}

func authFailure(step string, err error) error {
	return services.Wrap(services.ErrAuthenticationFailed, "aacs", step, "", err)
}

func errSectorSize(n int) error {
	return fmt.Errorf("sector is %d bytes, want %d", n, SectorSize)
}
