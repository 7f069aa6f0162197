package extraction

import (
	"context"
	"strings"

	"ripline/internal/aacs"
	"ripline/internal/css"
	"ripline/internal/disc/mmc"
	"ripline/internal/services"
)

// Drive is the key exchange side of an optical drive.
type Drive interface {
	CSS() css.Device
	AACS() aacs.Device
	Close() error
}

// DriveOpener opens the drive at device for authentication.
type DriveOpener func(ctx context.Context, device string) (Drive, error)

type mmcDrive struct {
	transport *mmc.SGTransport
	drive     *mmc.Drive
}

// OpenMMCDrive opens device through the SCSI generic interface.
func OpenMMCDrive(ctx context.Context, device string) (Drive, error) {
	device = strings.TrimSpace(device)
	if device == "" {
		return nil, services.Wrap(services.ErrConfiguration, "extraction", "open drive",
			"encrypted sectors found but no drive device is configured", nil)
	}
	if err := ctx.Err(); err != nil {
		return nil, services.Wrap(services.ErrCancelled, "extraction", "open drive", "", err)
	}
	transport, err := mmc.OpenDevice(device)
	if err != nil {
		return nil, services.Wrap(services.ErrAuthenticationFailed, "extraction", "open drive", device, err)
	}
	return &mmcDrive{transport: transport, drive: mmc.NewDrive(transport)}, nil
}

func (d *mmcDrive) CSS() css.Device   { return d.drive }
func (d *mmcDrive) AACS() aacs.Device { return d.drive.AACS() }
func (d *mmcDrive) Close() error      { return d.transport.Close() }
