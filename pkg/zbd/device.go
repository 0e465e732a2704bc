// Copyright (c) 2024 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zbd

// backend is the driver vtable. Every transport implements the same
// operations; the handle dispatches through its immutable backend
// pointer set at open time.
type backend interface {
	// reportZones runs one report round against the device, filling at
	// most len(zones) descriptors starting from the zone containing
	// sector, honouring the reporting option filter. With an empty
	// slice it is a count query: the total number of matching zones
	// from sector to the end of the device.
	reportZones(d *Device, sector uint64, ro ReportOption, zones []Zone) (int, error)

	// zoneOp executes a zone management operation against the zone
	// containing sector, or all applicable zones with ZoneOpAllZones.
	zoneOp(d *Device, sector uint64, op ZoneOp, flags int) error

	// preadv/pwritev transfer one device-legal chunk and return the
	// number of sectors moved. Short transfers are legal.
	preadv(d *Device, bufs [][]byte, sector uint64) (uint64, error)
	pwritev(d *Device, bufs [][]byte, sector uint64) (uint64, error)

	// flush drains the device write cache.
	flush(d *Device) error

	close(d *Device) error
}

// zoneConfigurer is the optional emulator control surface.
type zoneConfigurer interface {
	setZones(d *Device, convSectors, zoneSectors uint64) error
	setWritePointer(d *Device, sector, wp uint64) error
}

// Device is an open zoned block device.
//
// A Device may be shared across goroutines only if callers serialise
// every operation on it: the backend state and the last-error record
// are not protected. Distinct handles are fully independent. Closing a
// handle while another goroutine has an operation in flight is
// undefined behaviour.
type Device struct {
	path string
	fd   fdHolder
	info DeviceInfo

	// b is fixed by the dispatcher at open time.
	b backend

	testMode  bool
	lastSense *SenseError
}

// fdHolder abstracts the descriptor-like resource a backend owns.
type fdHolder interface {
	Fd() uintptr
	Close() error
}

// Path returns the resolved device path the handle was opened with.
func (d *Device) Path() string {
	return d.path
}

// Info returns the device identity and geometry gathered at open time.
func (d *Device) Info() DeviceInfo {
	return d.info
}

// Close releases the handle and every resource it owns. The handle
// must not be used afterwards.
func (d *Device) Close() error {
	if d.b == nil {
		return nil
	}
	err := d.b.close(d)
	d.b = nil
	return err
}

// ZoneOperation executes op against the zone containing sector, or all
// applicable zones when flags includes ZoneOpAllZones.
func (d *Device) ZoneOperation(sector uint64, op ZoneOp, flags int) error {
	switch op {
	case ZoneOpReset, ZoneOpOpen, ZoneOpClose, ZoneOpFinish:
	default:
		return ErrInvalid
	}
	if flags&ZoneOpAllZones == 0 && sector >= d.info.Sectors {
		return ErrInvalid
	}
	log.Debugf("%s: zone op %s sector %d flags %#x", d.path, op, sector, flags)
	return d.b.zoneOp(d, sector, op, flags)
}

// ResetZone rewinds the write pointer of the zone containing sector.
func (d *Device) ResetZone(sector uint64) error {
	return d.ZoneOperation(sector, ZoneOpReset, 0)
}

// ResetAllZones rewinds every sequential zone that is not empty.
func (d *Device) ResetAllZones() error {
	return d.ZoneOperation(0, ZoneOpReset, ZoneOpAllZones)
}

// OpenZone explicitly opens the zone containing sector.
func (d *Device) OpenZone(sector uint64) error {
	return d.ZoneOperation(sector, ZoneOpOpen, 0)
}

// OpenAllZones explicitly opens all closed zones.
func (d *Device) OpenAllZones() error {
	return d.ZoneOperation(0, ZoneOpOpen, ZoneOpAllZones)
}

// CloseZone closes the zone containing sector.
func (d *Device) CloseZone(sector uint64) error {
	return d.ZoneOperation(sector, ZoneOpClose, 0)
}

// CloseAllZones closes all open zones.
func (d *Device) CloseAllZones() error {
	return d.ZoneOperation(0, ZoneOpClose, ZoneOpAllZones)
}

// FinishZone transitions the zone containing sector to full.
func (d *Device) FinishZone(sector uint64) error {
	return d.ZoneOperation(sector, ZoneOpFinish, 0)
}

// FinishAllZones transitions every open or closed zone to full.
func (d *Device) FinishAllZones() error {
	return d.ZoneOperation(0, ZoneOpFinish, ZoneOpAllZones)
}

// Flush drains the device write cache.
func (d *Device) Flush() error {
	return d.b.flush(d)
}

// SetZones configures the zone layout of an emulated device: a single
// conventional zone of convSectors followed by sequential-write-
// required zones of zoneSectors each. Returns ErrNotSupported on real
// devices.
func (d *Device) SetZones(convSectors, zoneSectors uint64) error {
	zc, ok := d.b.(zoneConfigurer)
	if !ok {
		return ErrNotSupported
	}
	return zc.setZones(d, convSectors, zoneSectors)
}

// SetWritePointer moves the write pointer of the emulated zone
// containing sector. Returns ErrNotSupported on real devices.
func (d *Device) SetWritePointer(sector, wp uint64) error {
	zc, ok := d.b.(zoneConfigurer)
	if !ok {
		return ErrNotSupported
	}
	return zc.setWritePointer(d, sector, wp)
}
