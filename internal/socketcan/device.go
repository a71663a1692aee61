//go:build linux

package socketcan

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/can-relay/internal/can"
)

// Device is a raw SocketCAN socket bound to one interface.
type Device struct {
	fd    int
	iface string
	once  sync.Once
	cerr  error
}

// Open binds a raw CAN socket to iface with controller error frames enabled.
func Open(iface string) (*Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 0); err != nil {
		// Older kernels may not know this option; ignore ENOPROTOOPT
		if err != unix.ENOPROTOOPT {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("disable CAN FD: %w", err)
		}
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_ERR_FILTER, errFilter); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("error filter: %w", err)
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	sa := &unix.SockaddrCAN{Ifindex: ifi.Index}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	return &Device{fd: fd, iface: iface}, nil
}

// Close closes the socket once; later calls return the first result.
func (d *Device) Close() error {
	d.once.Do(func() { d.cerr = unix.Close(d.fd) })
	return d.cerr
}

// ReadFrame reads one classic CAN frame. The returned can_id keeps the
// SocketCAN flag bits; fr.ID has them stripped.
func (d *Device) ReadFrame(fr *can.Frame) (uint32, error) {
	var buf [unix.CAN_MTU]byte
	n, err := unix.Read(d.fd, buf[:])
	if err != nil {
		return 0, err
	}
	if n != unix.CAN_MTU {
		return 0, fmt.Errorf("short read: %d", n)
	}

	// struct can_frame (linux/can.h):
	//   can_id  u32   [0:4]  (includes EFF/RTR/ERR flags)
	//   can_dlc u8    [4]
	//   pad     3B    [5:8]
	//   data    [8]   [8:16]
	//
	// Host byte order; little-endian on every target we ship.
	rawID := binary.LittleEndian.Uint32(buf[0:4])
	dlc := buf[4]
	if dlc > can.MaxDLC {
		dlc = can.MaxDLC
	}
	fr.ID = rawID & can.CAN_EFF_MASK
	if rawID&can.CAN_EFF_FLAG == 0 {
		fr.ID &= can.CAN_SFF_MASK
	}
	fr.DLC = dlc
	copy(fr.Data[:], buf[8:16])
	return rawID, nil
}

// WriteFrame writes one classic CAN frame. Identifiers above 0x7FF are sent
// in extended format.
func (d *Device) WriteFrame(fr can.Frame) error {
	var buf [unix.CAN_MTU]byte
	id := fr.ID & can.CAN_EFF_MASK
	if id > can.CAN_SFF_MASK {
		id |= can.CAN_EFF_FLAG
	}
	binary.LittleEndian.PutUint32(buf[0:4], id)
	buf[4] = min(fr.DLC, can.MaxDLC)
	copy(buf[8:], fr.Data[:])
	_, err := unix.Write(d.fd, buf[:])
	return err
}

// Flags reports the interface's IFF_UP and IFF_RUNNING bits.
func (d *Device) Flags() (up, running bool, err error) {
	ifr, err := unix.NewIfreq(d.iface)
	if err != nil {
		return false, false, err
	}
	if err := unix.IoctlIfreq(d.fd, unix.SIOCGIFFLAGS, ifr); err != nil {
		return false, false, fmt.Errorf("SIOCGIFFLAGS %s: %w", d.iface, err)
	}
	fl := ifr.Uint16()
	return fl&unix.IFF_UP != 0, fl&unix.IFF_RUNNING != 0, nil
}

// SetUp raises or lowers the interface. Requires CAP_NET_ADMIN.
func (d *Device) SetUp(up bool) error {
	ifr, err := unix.NewIfreq(d.iface)
	if err != nil {
		return err
	}
	if err := unix.IoctlIfreq(d.fd, unix.SIOCGIFFLAGS, ifr); err != nil {
		return fmt.Errorf("SIOCGIFFLAGS %s: %w", d.iface, err)
	}
	fl := ifr.Uint16()
	if up {
		fl |= unix.IFF_UP
	} else {
		fl &^= unix.IFF_UP
	}
	ifr.SetUint16(fl)
	if err := unix.IoctlIfreq(d.fd, unix.SIOCSIFFLAGS, ifr); err != nil {
		return fmt.Errorf("SIOCSIFFLAGS %s: %w", d.iface, err)
	}
	return nil
}
