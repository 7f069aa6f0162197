// Package aacstest provides a software AACS drive and matching host
// credentials for tests.
package aacstest

import (
	"context"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"

	"ripline/internal/aacs"
)

// Failure steps accepted by Drive.FailAt.
const (
	StepAGID        = "agid"
	StepHostCert    = "host_cert"
	StepDriveCert   = "drive_cert"
	StepDriveKey    = "drive_key"
	StepHostKey     = "host_key"
	StepVolumeKey   = "volume_key"
	StepTamperedMAC = "tampered_mac"
	StepForeignCert = "foreign_cert"
	StepBadDriveSig = "bad_drive_sig"
)

// PKI is a root key with host credentials issued under it.
type PKI struct {
	RootKey *ecdsa.PrivateKey
	Host    aacs.Credentials
}

// NewPKI generates a root and a host certificate signed by it.
func NewPKI() (*PKI, error) {
	root, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	hostKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	cert, err := aacs.IssueCertificate(root, aacs.CertHost, [6]byte{0, 0, 0, 0, 0, 1}, &hostKey.PublicKey)
	if err != nil {
		return nil, err
	}
	return &PKI{
		RootKey: root,
		Host:    aacs.Credentials{Certificate: cert, PrivateKey: hostKey, Root: &root.PublicKey},
	}, nil
}

// Drive emulates the AACS side of a Blu-ray drive.
type Drive struct {
	mu sync.Mutex

	ProcessingKey aacs.Key
	VolumeKey     aacs.Key
	VolumeID      [16]byte
	// FailAt makes the named step fail or misbehave.
	FailAt string

	pki      *PKI
	certKey  *ecdsa.PrivateKey
	cert     []byte
	calls    map[string]int
	agid     int
	next     int
	hostCert *aacs.Certificate
	hostN    aacs.Nonce
	driveN   aacs.Nonce
	eph      *ecdh.PrivateKey
	busKey   aacs.Key
	authed   bool
	released []int
}

// New returns a drive whose certificate is issued by pki.
func New(pki *PKI) (*Drive, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	cert, err := aacs.IssueCertificate(pki.RootKey, aacs.CertDrive, [6]byte{0xD0, 0, 0, 0, 0, 7}, &key.PublicKey)
	if err != nil {
		return nil, err
	}
	d := &Drive{
		ProcessingKey: aacs.Key{0x09, 0xF9, 0x11, 0x02, 0x9D, 0x74, 0xE3, 0x5B, 0xD8, 0x41, 0x56, 0xC5, 0x63, 0x56, 0x88, 0xC0},
		VolumeKey:     aacs.Key{0x42, 0x13, 0x37, 0x00, 0xAB, 0xCD, 0xEF, 0x01, 0x23, 0x45, 0x67, 0x89, 0x10, 0x20, 0x30, 0x40},
		pki:           pki,
		certKey:       key,
		cert:          cert,
		calls:         map[string]int{},
		agid:          -1,
	}
	copy(d.VolumeID[:], "RIPLINE-VOLUME01")
	return d, nil
}

// Calls reports how many times a step ran.
func (d *Drive) Calls(step string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[step]
}

// Released lists AGIDs invalidated by the host.
func (d *Drive) Released() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.released...)
}

// Authenticated reports whether the host completed mutual authentication.
func (d *Drive) Authenticated() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.authed
}

func (d *Drive) step(name string) error {
	d.calls[name]++
	if d.FailAt == name {
		return fmt.Errorf("simulated %s failure", name)
	}
	return nil
}

func (d *Drive) ReportAGID(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.step(StepAGID); err != nil {
		return 0, err
	}
	d.agid = d.next % 4
	d.next++
	d.authed = false
	return d.agid, nil
}

func (d *Drive) SendHostCertificate(ctx context.Context, agid int, nonce aacs.Nonce, cert []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.step(StepHostCert); err != nil {
		return err
	}
	if agid != d.agid {
		return errors.New("invalid AGID")
	}
	parsed, err := aacs.ParseCertificate(cert)
	if err != nil {
		return err
	}
	if err := parsed.Verify(&d.pki.RootKey.PublicKey); err != nil {
		return fmt.Errorf("host certificate rejected: %w", err)
	}
	d.hostCert = parsed
	d.hostN = nonce
	return nil
}

func (d *Drive) ReportDriveCertificate(ctx context.Context, agid int) (aacs.Nonce, []byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.step(StepDriveCert); err != nil {
		return aacs.Nonce{}, nil, err
	}
	if _, err := io.ReadFull(rand.Reader, d.driveN[:]); err != nil {
		return aacs.Nonce{}, nil, err
	}
	if d.FailAt == StepForeignCert {
		other, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		cert, err := aacs.IssueCertificate(other, aacs.CertDrive, [6]byte{0xBA, 0xD}, &d.certKey.PublicKey)
		return d.driveN, cert, err
	}
	return d.driveN, d.cert, nil
}

func (d *Drive) ReportDriveKey(ctx context.Context, agid int) ([]byte, []byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.step(StepDriveKey); err != nil {
		return nil, nil, err
	}
	eph, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	d.eph = eph
	point := eph.PublicKey().Bytes()
	nonce := d.hostN
	if d.FailAt == StepBadDriveSig {
		nonce[0] ^= 0xFF
	}
	sig, err := ecdsa.SignASN1(rand.Reader, d.certKey, digest(nonce, point))
	if err != nil {
		return nil, nil, err
	}
	return point, sig, nil
}

func (d *Drive) SendHostKey(ctx context.Context, agid int, point, signature []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.step(StepHostKey); err != nil {
		return err
	}
	if d.hostCert == nil || d.eph == nil {
		return errors.New("host key out of sequence")
	}
	if !ecdsa.VerifyASN1(d.hostCert.PublicKey, digest(d.driveN, point), signature) {
		return errors.New("host signature does not verify")
	}
	hostPub, err := ecdh.P256().NewPublicKey(point)
	if err != nil {
		return err
	}
	shared, err := d.eph.ECDH(hostPub)
	if err != nil {
		return err
	}
	salt := append(append([]byte{}, d.hostN[:]...), d.driveN[:]...)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, []byte("AACS bus key")), d.busKey[:]); err != nil {
		return err
	}
	d.authed = true
	return nil
}

func (d *Drive) ReadVolumeKey(ctx context.Context, agid int) (aacs.VolumeKeyRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.step(StepVolumeKey); err != nil {
		return aacs.VolumeKeyRecord{}, err
	}
	if !d.authed || agid != d.agid {
		return aacs.VolumeKeyRecord{}, errors.New("not authenticated")
	}
	rec := aacs.VolumeKeyRecord{
		VolumeID:         d.VolumeID,
		EncryptedKey:     aacs.EncryptKey(d.ProcessingKey, d.VolumeKey),
		VerificationData: aacs.VerificationData(d.VolumeKey),
	}
	rec.MAC = aacs.BusMAC(d.busKey, rec)
	if d.FailAt == StepTamperedMAC {
		rec.MAC[0] ^= 0x01
	}
	return rec, nil
}

func (d *Drive) InvalidateAGID(ctx context.Context, agid int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.released = append(d.released, agid)
	if agid == d.agid {
		d.agid = -1
		d.authed = false
	}
	return nil
}

func digest(nonce aacs.Nonce, point []byte) []byte {
	h := sha256.New()
	h.Write(nonce[:])
	h.Write(point)
	return h.Sum(nil)
}

// UnitKeys is an in-memory aacs.UnitKeySource holding keys already
// encrypted under the volume key.
type UnitKeys struct {
	mu    sync.Mutex
	Key   aacs.Key
	reads int
}

// NewUnitKeys encrypts unit under volumeKey.
func NewUnitKeys(volumeKey, unit aacs.Key) *UnitKeys {
	return &UnitKeys{Key: aacs.EncryptKey(volumeKey, unit)}
}

func (u *UnitKeys) EncryptedUnitKey(ctx context.Context, playlist int) (aacs.Key, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.reads++
	return u.Key, nil
}

// Reads reports how many times a key was requested.
func (u *UnitKeys) Reads() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.reads
}

// Transform encrypts every sector whose index is a multiple of three with
// key, leaving the rest in the clear.
func Transform(key aacs.Key) func([]byte, uint32) {
	return func(sector []byte, lba uint32) {
		if lba%3 != 0 {
			return
		}
		_ = aacs.EncryptSector(key, lba, sector)
	}
}
