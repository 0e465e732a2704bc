// Copyright (c) 2024 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package zbd provides uniform access to zoned block devices (SMR disks
// and other ZBC/ZAC devices) through the native kernel interface, SCSI or
// ATA pass-through, or a file-backed emulator. All addresses and counts
// exposed by this package are in 512-byte sector units regardless of the
// device logical block size.
package zbd

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalid is returned for malformed arguments: misaligned
	// sectors or counts, empty vectors, size overflows.
	ErrInvalid = errors.New("invalid argument")

	// ErrNoDevice is returned by Open when the path cannot be resolved
	// or no backend accepts the device.
	ErrNoDevice = errors.New("no such zoned device")

	// ErrNotSupported is returned when an optional backend operation
	// (emulator zone configuration) is invoked on a backend that does
	// not implement it.
	ErrNotSupported = errors.New("operation is not supported")

	// ErrIO is returned on transport failures and when a transfer
	// moves no sectors at all. A partial transfer is not an error.
	ErrIO = errors.New("device I/O error")

	// errNotMyDevice makes a backend drop out of the probe chain.
	// Any other open error aborts probing.
	errNotMyDevice = errors.New("device not handled by this backend")
)

// DeviceType identifies the backend that accepted a device.
type DeviceType int

const (
	DeviceTypeUnknown DeviceType = 0x00
	DeviceTypeBlock   DeviceType = 0x01
	DeviceTypeSCSI    DeviceType = 0x02
	DeviceTypeATA     DeviceType = 0x03
	DeviceTypeFake    DeviceType = 0x04
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeBlock:
		return "block"
	case DeviceTypeSCSI:
		return "scsi"
	case DeviceTypeATA:
		return "ata"
	case DeviceTypeFake:
		return "fake"
	}
	return "<unknown>"
}

// ZoneModel is the zoning model a device advertises.
type ZoneModel int

const (
	ModelUnknown       ZoneModel = 0x00
	ModelHostAware     ZoneModel = 0x01
	ModelHostManaged   ZoneModel = 0x02
	ModelDeviceManaged ZoneModel = 0x03
	ModelStandard      ZoneModel = 0x04
)

func (m ZoneModel) String() string {
	switch m {
	case ModelHostAware:
		return "host-aware"
	case ModelHostManaged:
		return "host-managed"
	case ModelDeviceManaged:
		return "device-managed"
	case ModelStandard:
		return "standard"
	}
	return "<unknown>"
}

// ZoneType matches the ZBC/ZAC zone type field.
type ZoneType int

const (
	ZoneTypeUnknown        ZoneType = 0x00
	ZoneTypeConventional   ZoneType = 0x01
	ZoneTypeSequentialReq  ZoneType = 0x02
	ZoneTypeSequentialPref ZoneType = 0x03
)

func (t ZoneType) String() string {
	switch t {
	case ZoneTypeConventional:
		return "conventional"
	case ZoneTypeSequentialReq:
		return "seq-write-required"
	case ZoneTypeSequentialPref:
		return "seq-write-preferred"
	}
	return "<unknown>"
}

// ZoneCondition matches the ZBC/ZAC zone condition field.
type ZoneCondition int

const (
	ZoneCondNotWP    ZoneCondition = 0x00
	ZoneCondEmpty    ZoneCondition = 0x01
	ZoneCondImpOpen  ZoneCondition = 0x02
	ZoneCondExpOpen  ZoneCondition = 0x03
	ZoneCondClosed   ZoneCondition = 0x04
	ZoneCondReadOnly ZoneCondition = 0x0d
	ZoneCondFull     ZoneCondition = 0x0e
	ZoneCondOffline  ZoneCondition = 0x0f
)

func (c ZoneCondition) String() string {
	switch c {
	case ZoneCondNotWP:
		return "not-wp"
	case ZoneCondEmpty:
		return "empty"
	case ZoneCondImpOpen:
		return "implicit-open"
	case ZoneCondExpOpen:
		return "explicit-open"
	case ZoneCondClosed:
		return "closed"
	case ZoneCondReadOnly:
		return "read-only"
	case ZoneCondFull:
		return "full"
	case ZoneCondOffline:
		return "offline"
	}
	return "<unknown>"
}

// ReportOption filters the zones returned by ReportZones and ListZones.
// The ordinals are the ZBC reporting option codes and go out on the wire.
type ReportOption int

const (
	ReportAll       ReportOption = 0x00
	ReportEmpty     ReportOption = 0x01
	ReportImpOpen   ReportOption = 0x02
	ReportExpOpen   ReportOption = 0x03
	ReportClosed    ReportOption = 0x04
	ReportFull      ReportOption = 0x05
	ReportReadOnly  ReportOption = 0x06
	ReportOffline   ReportOption = 0x07
	ReportNeedReset ReportOption = 0x10
	ReportNonSeq    ReportOption = 0x11
	ReportNotWP     ReportOption = 0x3f

	// ReportPartial lets a backend return as many zones as fit its
	// transfer buffer instead of the full remainder of the device.
	// The iterator adds it on every paginated round.
	ReportPartial ReportOption = 0x80

	reportOptionMask = 0x3f
)

// ZoneOp is a zone management operation.
type ZoneOp int

const (
	ZoneOpReset  ZoneOp = 0x01
	ZoneOpOpen   ZoneOp = 0x02
	ZoneOpClose  ZoneOp = 0x03
	ZoneOpFinish ZoneOp = 0x04
)

func (op ZoneOp) String() string {
	switch op {
	case ZoneOpReset:
		return "reset"
	case ZoneOpOpen:
		return "open"
	case ZoneOpClose:
		return "close"
	case ZoneOpFinish:
		return "finish"
	}
	return "<unknown>"
}

// ZoneOpAllZones applies a zone operation to every applicable zone on
// the device instead of the zone containing the given sector.
const ZoneOpAllZones = 0x01

// Open flag bits. The low bits are the usual os.O_RDONLY/os.O_RDWR
// access mode; the high bits restrict which backends are probed and
// enable device test mode.
const (
	DrvBlock = 0x01000000
	DrvSCSI  = 0x02000000
	DrvATA   = 0x04000000
	DrvFake  = 0x08000000

	// DevTest relaxes I/O alignment checks. Intended for backend
	// conformance testing only.
	DevTest = 0x10000000

	drvMask = DrvBlock | DrvSCSI | DrvATA | DrvFake
)

// Capability flag bits of DeviceInfo.Flags.
const (
	// CapUnrestrictedRead is set when reading above a write pointer
	// or in an offline zone does not fail the command.
	CapUnrestrictedRead = 0x00000001
)

// Sentinels for the open/active zone resource fields of DeviceInfo.
const (
	NoLimit     = ^uint32(0)
	NotReported = ^uint32(0)
)

// DeviceInfo describes an open device. It is populated once at open
// time and never refreshed.
type DeviceInfo struct {
	// Vendor is the vendor identification string, at most 8 characters.
	Vendor string

	Type  DeviceType
	Model ZoneModel

	// Sectors is the device capacity in 512-byte sectors; LBlocks and
	// PBlocks are the same capacity in logical and physical blocks.
	Sectors uint64
	LBlocks uint64
	PBlocks uint64

	// LBlockSize and PBlockSize are power-of-two multiples of 512.
	LBlockSize uint32
	PBlockSize uint32

	Flags uint32

	// MaxRWSectors caps a single read or write command, in sectors.
	MaxRWSectors uint64

	// MaxNrOpenSeqReq is the host-managed open zone limit, or NoLimit.
	MaxNrOpenSeqReq uint32

	// OptNrOpenSeqPref and OptNrNonSeqWriteSeqPref are the host-aware
	// hints, or NotReported.
	OptNrOpenSeqPref        uint32
	OptNrNonSeqWriteSeqPref uint32
}

func (i *DeviceInfo) String() string {
	return fmt.Sprintf("Vendor=%s, Type=%s, Model=%s, Sectors=%d, LBlockSize=%d, PBlockSize=%d",
		i.Vendor, i.Type, i.Model, i.Sectors, i.LBlockSize, i.PBlockSize)
}

// lblockSectors returns the logical block size in sectors.
func (i *DeviceInfo) lblockSectors() uint64 {
	return uint64(i.LBlockSize) >> 9
}

// pblockSectors returns the physical block size in sectors.
func (i *DeviceInfo) pblockSectors() uint64 {
	return uint64(i.PBlockSize) >> 9
}

// Zone is a single zone descriptor as reported by the device.
type Zone struct {
	Type      ZoneType
	Condition ZoneCondition

	// Start and Length delimit the zone in 512-byte sectors.
	Start  uint64
	Length uint64

	// WritePointer is meaningful only for sequential zones that are
	// neither read-only, offline nor full.
	WritePointer uint64

	NeedReset bool
	NonSeq    bool
}

// End returns the first sector past the zone.
func (z *Zone) End() uint64 {
	return z.Start + z.Length
}

// Conventional reports whether the zone accepts random writes and has
// no write pointer.
func (z *Zone) Conventional() bool {
	return z.Type == ZoneTypeConventional
}

// Sequential reports whether the zone carries a write pointer.
func (z *Zone) Sequential() bool {
	return z.Type == ZoneTypeSequentialReq || z.Type == ZoneTypeSequentialPref
}

func (z *Zone) Empty() bool {
	return z.Condition == ZoneCondEmpty
}

func (z *Zone) Full() bool {
	return z.Condition == ZoneCondFull
}

// Contains reports whether sector falls inside the zone.
func (z *Zone) Contains(sector uint64) bool {
	return sector >= z.Start && sector < z.End()
}

func (z *Zone) String() string {
	if z.Sequential() {
		return fmt.Sprintf("zone [%d..%d) %s %s wp=%d", z.Start, z.End(), z.Type, z.Condition, z.WritePointer)
	}
	return fmt.Sprintf("zone [%d..%d) %s %s", z.Start, z.End(), z.Type, z.Condition)
}

// matches reports whether the zone passes a reporting option filter.
// Backends that have to filter in software (native block, emulator)
// share this predicate; transport backends let the device filter.
func (z *Zone) matches(ro ReportOption) bool {
	switch ro & reportOptionMask {
	case ReportAll:
		return true
	case ReportEmpty:
		return z.Condition == ZoneCondEmpty
	case ReportImpOpen:
		return z.Condition == ZoneCondImpOpen
	case ReportExpOpen:
		return z.Condition == ZoneCondExpOpen
	case ReportClosed:
		return z.Condition == ZoneCondClosed
	case ReportFull:
		return z.Condition == ZoneCondFull
	case ReportReadOnly:
		return z.Condition == ZoneCondReadOnly
	case ReportOffline:
		return z.Condition == ZoneCondOffline
	case ReportNeedReset:
		return z.NeedReset
	case ReportNonSeq:
		return z.NonSeq
	case ReportNotWP:
		return z.Condition == ZoneCondNotWP
	}
	return false
}
