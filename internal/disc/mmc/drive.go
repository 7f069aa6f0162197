package mmc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"ripline/internal/aacs"
	"ripline/internal/css"
	"ripline/internal/services"
)

const (
	opReportKey         = 0xA4
	opSendKey           = 0xA3
	opReadDiscStructure = 0xAD

	classCSS  = 0x00
	classAACS = 0x02

	formatAGID       = 0x00
	formatChallenge  = 0x01
	formatKey1       = 0x02
	formatKey2       = 0x03
	formatTitleKey   = 0x04
	formatInvalidate = 0x3F

	formatDriveCert = 0x01
	formatDriveKey  = 0x02

	structureDiscKey   = 0x02
	structureVolumeID  = 0x80
	structureVolumeKey = 0x84
	mediaBD            = 0x01

	maxAACSPayload = 1024
)

// Drive implements css.Device over a Transport. AACS returns the
// aacs.Device view of the same drive.
type Drive struct {
	transport Transport
}

var _ css.Device = (*Drive)(nil)

// NewDrive wraps transport.
func NewDrive(transport Transport) *Drive {
	return &Drive{transport: transport}
}

// ReportKeyCDB builds a REPORT KEY command block.
func ReportKeyCDB(class byte, agid int, format byte, lba uint32, length int) [12]byte {
	var cdb [12]byte
	cdb[0] = opReportKey
	binary.BigEndian.PutUint32(cdb[2:6], lba)
	cdb[7] = class
	binary.BigEndian.PutUint16(cdb[8:10], uint16(length))
	cdb[10] = byte(agid&0x03)<<6 | format&0x3F
	return cdb
}

// SendKeyCDB builds a SEND KEY command block.
func SendKeyCDB(class byte, agid int, format byte, length int) [12]byte {
	var cdb [12]byte
	cdb[0] = opSendKey
	cdb[7] = class
	binary.BigEndian.PutUint16(cdb[8:10], uint16(length))
	cdb[10] = byte(agid&0x03)<<6 | format&0x3F
	return cdb
}

// ReadStructureCDB builds a READ DISC STRUCTURE command block.
func ReadStructureCDB(media byte, format byte, agid int, length int) [12]byte {
	var cdb [12]byte
	cdb[0] = opReadDiscStructure
	cdb[1] = media & 0x0F
	cdb[7] = format
	binary.BigEndian.PutUint16(cdb[8:10], uint16(length))
	cdb[10] = byte(agid&0x03) << 6
	return cdb
}

func (d *Drive) read(ctx context.Context, cdb [12]byte, length int) ([]byte, error) {
	cmd := &Command{CDB: cdb, Dir: DirFromDevice, Data: make([]byte, length)}
	if err := d.transport.Execute(ctx, cmd); err != nil {
		return nil, err
	}
	return cmd.Data, nil
}

func (d *Drive) write(ctx context.Context, cdb [12]byte, data []byte) error {
	return d.transport.Execute(ctx, &Command{CDB: cdb, Dir: DirToDevice, Data: data})
}

func (d *Drive) reportAGID(ctx context.Context, class byte) (int, error) {
	buf, err := d.read(ctx, ReportKeyCDB(class, 0, formatAGID, 0, 8), 8)
	if err != nil {
		return 0, err
	}
	return int(buf[7] >> 6), nil
}

func (d *Drive) invalidate(ctx context.Context, class byte, agid int) error {
	return d.transport.Execute(ctx, &Command{CDB: ReportKeyCDB(class, agid, formatInvalidate, 0, 0)})
}

// CSS

func (d *Drive) ReportAGID(ctx context.Context) (int, error) {
	return d.reportAGID(ctx, classCSS)
}

func (d *Drive) SendChallenge(ctx context.Context, agid int, challenge css.Challenge) error {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint16(buf[0:2], 14)
	for i := range challenge {
		buf[13-i] = challenge[i]
	}
	return d.write(ctx, SendKeyCDB(classCSS, agid, formatChallenge, len(buf)), buf)
}

func (d *Drive) ReportKey1(ctx context.Context, agid int) (css.Key, error) {
	var key css.Key
	buf, err := d.read(ctx, ReportKeyCDB(classCSS, agid, formatKey1, 0, 12), 12)
	if err != nil {
		return key, err
	}
	for i := range key {
		key[i] = buf[8-i]
	}
	return key, nil
}

func (d *Drive) ReportChallenge(ctx context.Context, agid int) (css.Challenge, error) {
	var challenge css.Challenge
	buf, err := d.read(ctx, ReportKeyCDB(classCSS, agid, formatChallenge, 0, 16), 16)
	if err != nil {
		return challenge, err
	}
	for i := range challenge {
		challenge[i] = buf[13-i]
	}
	return challenge, nil
}

func (d *Drive) SendKey2(ctx context.Context, agid int, key css.Key) error {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint16(buf[0:2], 10)
	for i := range key {
		buf[8-i] = key[i]
	}
	return d.write(ctx, SendKeyCDB(classCSS, agid, formatKey2, len(buf)), buf)
}

func (d *Drive) ReadDiscKey(ctx context.Context, agid int) ([]byte, error) {
	const length = 4 + css.SectorSize
	buf, err := d.read(ctx, ReadStructureCDB(0, structureDiscKey, agid, length), length)
	if err != nil {
		return nil, err
	}
	return buf[4:], nil
}

func (d *Drive) ReportTitleKey(ctx context.Context, agid int, lba uint32) (css.Key, error) {
	var key css.Key
	buf, err := d.read(ctx, ReportKeyCDB(classCSS, agid, formatTitleKey, lba, 12), 12)
	if err != nil {
		return key, err
	}
	copy(key[:], buf[5:10])
	return key, nil
}

// InvalidateAGID releases a CSS grant.
func (d *Drive) InvalidateAGID(ctx context.Context, agid int) error {
	return d.invalidate(ctx, classCSS, agid)
}

// AACS returns a view of the drive that uses the AACS key class.
func (d *Drive) AACS() *AACSDrive {
	return &AACSDrive{drive: d}
}

// AACSDrive implements aacs.Device.
type AACSDrive struct {
	drive *Drive
}

var _ aacs.Device = (*AACSDrive)(nil)

func (a *AACSDrive) ReportAGID(ctx context.Context) (int, error) {
	return a.drive.reportAGID(ctx, classAACS)
}

func (a *AACSDrive) SendHostCertificate(ctx context.Context, agid int, nonce aacs.Nonce, cert []byte) error {
	buf := encodeFields(nonce[:], cert)
	return a.drive.write(ctx, SendKeyCDB(classAACS, agid, formatDriveCert, len(buf)), buf)
}

func (a *AACSDrive) ReportDriveCertificate(ctx context.Context, agid int) (aacs.Nonce, []byte, error) {
	var nonce aacs.Nonce
	buf, err := a.drive.read(ctx, ReportKeyCDB(classAACS, agid, formatDriveCert, 0, maxAACSPayload), maxAACSPayload)
	if err != nil {
		return nonce, nil, err
	}
	fields, err := decodeFields(buf, 2)
	if err != nil {
		return nonce, nil, err
	}
	if len(fields[0]) != len(nonce) {
		return nonce, nil, services.Wrap(services.ErrInvalidFormat, "mmc", "drive certificate", "nonce has wrong length", nil)
	}
	copy(nonce[:], fields[0])
	return nonce, fields[1], nil
}

func (a *AACSDrive) ReportDriveKey(ctx context.Context, agid int) ([]byte, []byte, error) {
	buf, err := a.drive.read(ctx, ReportKeyCDB(classAACS, agid, formatDriveKey, 0, maxAACSPayload), maxAACSPayload)
	if err != nil {
		return nil, nil, err
	}
	fields, err := decodeFields(buf, 2)
	if err != nil {
		return nil, nil, err
	}
	return fields[0], fields[1], nil
}

func (a *AACSDrive) SendHostKey(ctx context.Context, agid int, point, signature []byte) error {
	buf := encodeFields(point, signature)
	return a.drive.write(ctx, SendKeyCDB(classAACS, agid, formatDriveKey, len(buf)), buf)
}

func (a *AACSDrive) ReadVolumeKey(ctx context.Context, agid int) (aacs.VolumeKeyRecord, error) {
	var record aacs.VolumeKeyRecord
	const length = 4 + 16 + 16
	id, err := a.drive.read(ctx, ReadStructureCDB(mediaBD, structureVolumeID, agid, length), length)
	if err != nil {
		return record, err
	}
	keys, err := a.drive.read(ctx, ReadStructureCDB(mediaBD, structureVolumeKey, agid, length), length)
	if err != nil {
		return record, err
	}
	copy(record.VolumeID[:], id[4:20])
	copy(record.MAC[:], id[20:36])
	copy(record.EncryptedKey[:], keys[4:20])
	copy(record.VerificationData[:], keys[20:36])
	return record, nil
}

func (a *AACSDrive) InvalidateAGID(ctx context.Context, agid int) error {
	return a.drive.invalidate(ctx, classAACS, agid)
}

// encodeFields lays out a 4-byte header followed by u16 length-prefixed
// fields. The header carries the total payload length after its first two
// bytes, like every REPORT KEY response.
func encodeFields(fields ...[]byte) []byte {
	size := 4
	for _, f := range fields {
		size += 2 + len(f)
	}
	buf := make([]byte, size)
	binary.BigEndian.PutUint16(buf[0:2], uint16(size-2))
	off := 4
	for _, f := range fields {
		binary.BigEndian.PutUint16(buf[off:], uint16(len(f)))
		off += 2
		off += copy(buf[off:], f)
	}
	return buf
}

var errShortPayload = errors.New("payload shorter than declared")

func decodeFields(buf []byte, count int) ([][]byte, error) {
	if len(buf) < 4 {
		return nil, services.Wrap(services.ErrInvalidFormat, "mmc", "decode", "missing header", errShortPayload)
	}
	end := int(binary.BigEndian.Uint16(buf[0:2])) + 2
	if end > len(buf) {
		return nil, services.Wrap(services.ErrInvalidFormat, "mmc", "decode", fmt.Sprintf("declared %d bytes, have %d", end, len(buf)), errShortPayload)
	}
	fields := make([][]byte, 0, count)
	off := 4
	for i := 0; i < count; i++ {
		if off+2 > end {
			return nil, services.Wrap(services.ErrInvalidFormat, "mmc", "decode", fmt.Sprintf("field %d header", i), errShortPayload)
		}
		n := int(binary.BigEndian.Uint16(buf[off:]))
		off += 2
		if off+n > end {
			return nil, services.Wrap(services.ErrInvalidFormat, "mmc", "decode", fmt.Sprintf("field %d body", i), errShortPayload)
		}
		fields = append(fields, append([]byte(nil), buf[off:off+n]...))
		off += n
	}
	return fields, nil
}
