package mmc

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Direction is the data phase of a command.
type Direction int

const (
	DirNone Direction = iota
	DirToDevice
	DirFromDevice
)

// Command is one CDB with its data buffer.
type Command struct {
	CDB  [12]byte
	Dir  Direction
	Data []byte
}

// Transport executes commands against a drive.
type Transport interface {
	Execute(ctx context.Context, cmd *Command) error
}

// SenseError reports a CHECK CONDITION returned by the drive.
type SenseError struct {
	Opcode byte
	Key    byte
	ASC    byte
	ASCQ   byte
}

func (e *SenseError) Error() string {
	return fmt.Sprintf("scsi command 0x%02X failed: sense key 0x%X asc 0x%02X ascq 0x%02X", e.Opcode, e.Key, e.ASC, e.ASCQ)
}

const (
	ioctlSGIO             = 0x2285
	sgInterfaceID         = 'S'
	sgDxferNone           = -1
	sgDxferToDev          = -2
	sgDxferFromDev        = -3
	senseBufferSize       = 32
	statusGood            = 0
	defaultCommandTimeout = 30 * time.Second
)

// sgIOHdr mirrors struct sg_io_hdr from <scsi/sg.h>.
type sgIOHdr struct {
	InterfaceID    int32
	DxferDirection int32
	CmdLen         uint8
	MxSbLen        uint8
	IovecCount     uint16
	DxferLen       uint32
	Dxferp         unsafe.Pointer
	Cmdp           unsafe.Pointer
	Sbp            unsafe.Pointer
	Timeout        uint32
	Flags          uint32
	PackID         int32
	UsrPtr         unsafe.Pointer
	Status         uint8
	MaskedStatus   uint8
	MsgStatus      uint8
	SbLenWr        uint8
	HostStatus     uint16
	DriverStatus   uint16
	Resid          int32
	Duration       uint32
	Info           uint32
}

// SGTransport issues commands through the SG_IO ioctl.
type SGTransport struct {
	mu      sync.Mutex
	fd      int
	path    string
	Timeout time.Duration
}

// OpenDevice opens device for SG_IO access.
func OpenDevice(path string) (*SGTransport, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &SGTransport{fd: fd, path: path, Timeout: defaultCommandTimeout}, nil
}

// Close releases the device handle.
func (t *SGTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fd < 0 {
		return nil
	}
	err := unix.Close(t.fd)
	t.fd = -1
	return err
}

// Execute runs cmd. The ioctl itself is not interruptible; ctx is checked
// before the command is issued and bounds the drive timeout.
func (t *SGTransport) Execute(ctx context.Context, cmd *Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	timeout := t.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fd < 0 {
		return fmt.Errorf("%s: device closed", t.path)
	}

	sense := make([]byte, senseBufferSize)
	hdr := sgIOHdr{
		InterfaceID: sgInterfaceID,
		CmdLen:      uint8(cdbLength(cmd.CDB[0])),
		MxSbLen:     senseBufferSize,
		Cmdp:        unsafe.Pointer(&cmd.CDB[0]),
		Sbp:         unsafe.Pointer(&sense[0]),
		Timeout:     uint32(timeout / time.Millisecond),
	}
	switch {
	case cmd.Dir == DirNone || len(cmd.Data) == 0:
		hdr.DxferDirection = sgDxferNone
	case cmd.Dir == DirToDevice:
		hdr.DxferDirection = sgDxferToDev
	default:
		hdr.DxferDirection = sgDxferFromDev
	}
	if hdr.DxferDirection != sgDxferNone {
		hdr.DxferLen = uint32(len(cmd.Data))
		hdr.Dxferp = unsafe.Pointer(&cmd.Data[0])
	}

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(t.fd), ioctlSGIO, uintptr(unsafe.Pointer(&hdr)))
	runtime.KeepAlive(cmd)
	runtime.KeepAlive(sense)
	if errno != 0 {
		return fmt.Errorf("SG_IO on %s: %w", t.path, errno)
	}
	if hdr.Status != statusGood || hdr.HostStatus != 0 || hdr.DriverStatus&0x0F != 0 {
		return parseSense(cmd.CDB[0], sense[:hdr.SbLenWr])
	}
	return nil
}

func cdbLength(opcode byte) int {
	if opcode >= 0xA0 {
		return 12
	}
	return 10
}

func parseSense(opcode byte, sense []byte) error {
	err := &SenseError{Opcode: opcode}
	if len(sense) == 0 {
		return err
	}
	if sense[0]&0x7F >= 0x72 {
		if len(sense) > 3 {
			err.Key, err.ASC, err.ASCQ = sense[1]&0x0F, sense[2], sense[3]
		}
		return err
	}
	if len(sense) > 13 {
		err.Key, err.ASC, err.ASCQ = sense[2]&0x0F, sense[12], sense[13]
	}
	return err
}
