// Copyright (c) 2024 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zbd

import (
	"encoding/binary"
	"os"
	"sort"
)

// File-backed emulation of a host-managed device. The backing file
// starts with a metadata area (header plus one record per zone) and
// carries the data area behind it; zone records are rewritten on every
// state change so the emulated device survives reopening.

const (
	fakeMagic       = "ZBDEMU01"
	fakeMetaVersion = 1

	fakeHeaderSize  = 512
	fakeZoneRecSize = 32

	fakeLBlockSize = 512
	fakePBlockSize = 4096

	// Per-command transfer cap, in sectors.
	fakeMaxRWSectors = 1024
)

type fakeBackend struct {
	f *os.File

	// zones is the authoritative in-memory state, kept sorted by
	// start sector. Empty until the device is configured.
	zones []Zone

	// dataOff is the byte offset of sector 0 in the backing file.
	dataOff uint64
}

func fakeOpen(path string, flags int) (*Device, error) {
	// The emulator only ever claims a device when the caller opted in.
	if flags&DrvFake == 0 {
		return nil, errNotMyDevice
	}

	f, err := os.OpenFile(path, flags&(os.O_RDONLY|os.O_RDWR), 0)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if !st.Mode().IsRegular() {
		f.Close()
		return nil, errNotMyDevice
	}

	b := &fakeBackend{f: f}
	d := &Device{
		path: path,
		fd:   f,
		b:    b,
		info: DeviceInfo{
			Vendor:                  "FAKE",
			Type:                    DeviceTypeFake,
			Model:                   ModelHostManaged,
			LBlockSize:              fakeLBlockSize,
			PBlockSize:              fakePBlockSize,
			Flags:                   CapUnrestrictedRead,
			MaxRWSectors:            fakeMaxRWSectors,
			MaxNrOpenSeqReq:         NoLimit,
			OptNrOpenSeqPref:        NotReported,
			OptNrNonSeqWriteSeqPref: NotReported,
		},
	}

	if err := b.load(d, uint64(st.Size())); err != nil {
		f.Close()
		return nil, err
	}
	return d, nil
}

// load reads the metadata area, or starts unconfigured with the whole
// file as an unzoned data area.
func (b *fakeBackend) load(d *Device, size uint64) error {
	hdr := make([]byte, fakeHeaderSize)
	if _, err := b.f.ReadAt(hdr, 0); err != nil || string(hdr[0:8]) != fakeMagic {
		b.setCapacity(d, size>>9)
		return nil
	}
	if binary.LittleEndian.Uint32(hdr[8:12]) != fakeMetaVersion {
		return ErrIO
	}

	capacity := binary.LittleEndian.Uint64(hdr[16:24])
	nzones := binary.LittleEndian.Uint32(hdr[24:28])
	b.dataOff = binary.LittleEndian.Uint64(hdr[32:40])

	recs := make([]byte, int(nzones)*fakeZoneRecSize)
	if _, err := b.f.ReadAt(recs, fakeHeaderSize); err != nil {
		return ErrIO
	}
	b.zones = make([]Zone, nzones)
	for i := range b.zones {
		decodeFakeZone(&b.zones[i], recs[i*fakeZoneRecSize:])
	}

	b.setCapacity(d, capacity)
	return nil
}

func (b *fakeBackend) setCapacity(d *Device, sectors uint64) {
	d.info.Sectors = sectors
	d.info.LBlocks = sectors / d.info.lblockSectors()
	d.info.PBlocks = sectors / d.info.pblockSectors()
}

func encodeFakeZone(z *Zone, rec []byte) {
	rec[0] = byte(z.Type)
	rec[1] = byte(z.Condition)
	rec[2] = 0
	if z.NeedReset {
		rec[2] |= 0x01
	}
	if z.NonSeq {
		rec[2] |= 0x02
	}
	binary.LittleEndian.PutUint64(rec[8:16], z.Start)
	binary.LittleEndian.PutUint64(rec[16:24], z.Length)
	binary.LittleEndian.PutUint64(rec[24:32], z.WritePointer)
}

func decodeFakeZone(z *Zone, rec []byte) {
	z.Type = ZoneType(rec[0])
	z.Condition = ZoneCondition(rec[1])
	z.NeedReset = rec[2]&0x01 != 0
	z.NonSeq = rec[2]&0x02 != 0
	z.Start = binary.LittleEndian.Uint64(rec[8:16])
	z.Length = binary.LittleEndian.Uint64(rec[16:24])
	z.WritePointer = binary.LittleEndian.Uint64(rec[24:32])
}

// sync rewrites the record of zone i.
func (b *fakeBackend) sync(i int) error {
	var rec [fakeZoneRecSize]byte
	encodeFakeZone(&b.zones[i], rec[:])
	if _, err := b.f.WriteAt(rec[:], int64(fakeHeaderSize+i*fakeZoneRecSize)); err != nil {
		return ErrIO
	}
	return nil
}

func (b *fakeBackend) syncAll() error {
	recs := make([]byte, len(b.zones)*fakeZoneRecSize)
	for i := range b.zones {
		encodeFakeZone(&b.zones[i], recs[i*fakeZoneRecSize:])
	}
	if _, err := b.f.WriteAt(recs, fakeHeaderSize); err != nil {
		return ErrIO
	}
	return nil
}

func (b *fakeBackend) writeHeader(d *Device, convSectors, zoneSectors uint64) error {
	hdr := make([]byte, fakeHeaderSize)
	copy(hdr[0:8], fakeMagic)
	binary.LittleEndian.PutUint32(hdr[8:12], fakeMetaVersion)
	binary.LittleEndian.PutUint64(hdr[16:24], d.info.Sectors)
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(len(b.zones)))
	binary.LittleEndian.PutUint64(hdr[32:40], b.dataOff)
	binary.LittleEndian.PutUint64(hdr[40:48], convSectors)
	binary.LittleEndian.PutUint64(hdr[48:56], zoneSectors)
	if _, err := b.f.WriteAt(hdr, 0); err != nil {
		return ErrIO
	}
	return nil
}

// setZones lays out one conventional zone of convSectors followed by
// sequential-write-required zones of zoneSectors each, covering the
// current capacity. The last zone may be shorter. Any previous layout
// and zone state is discarded.
func (b *fakeBackend) setZones(d *Device, convSectors, zoneSectors uint64) error {
	capacity := d.info.Sectors
	if zoneSectors == 0 || convSectors >= capacity {
		return ErrInvalid
	}

	var zones []Zone
	if convSectors > 0 {
		zones = append(zones, Zone{
			Type:      ZoneTypeConventional,
			Condition: ZoneCondNotWP,
			Start:     0,
			Length:    convSectors,
		})
	}
	for start := convSectors; start < capacity; start += zoneSectors {
		length := zoneSectors
		if start+length > capacity {
			length = capacity - start
		}
		zones = append(zones, Zone{
			Type:         ZoneTypeSequentialReq,
			Condition:    ZoneCondEmpty,
			Start:        start,
			Length:       length,
			WritePointer: start,
		})
	}
	b.zones = zones

	// Metadata area rounded up to whole sectors; data follows.
	meta := uint64(fakeHeaderSize + len(zones)*fakeZoneRecSize)
	b.dataOff = (meta + SectorSize - 1) &^ (SectorSize - 1)

	if err := b.f.Truncate(int64(b.dataOff + capacity<<9)); err != nil {
		return ErrIO
	}
	if err := b.writeHeader(d, convSectors, zoneSectors); err != nil {
		return err
	}
	return b.syncAll()
}

func (b *fakeBackend) setWritePointer(d *Device, sector, wp uint64) error {
	i := b.locate(sector)
	if i < 0 {
		return ErrInvalid
	}
	z := &b.zones[i]
	if !z.Sequential() || wp < z.Start || wp > z.End() {
		return ErrInvalid
	}
	z.WritePointer = wp
	switch {
	case wp == z.Start:
		z.Condition = ZoneCondEmpty
	case wp == z.End():
		z.Condition = ZoneCondFull
	default:
		z.Condition = ZoneCondImpOpen
	}
	return b.sync(i)
}

// locate returns the index of the zone containing sector, or -1.
func (b *fakeBackend) locate(sector uint64) int {
	i := sort.Search(len(b.zones), func(i int) bool {
		return b.zones[i].End() > sector
	})
	if i == len(b.zones) || !b.zones[i].Contains(sector) {
		return -1
	}
	return i
}

func (b *fakeBackend) reportZones(d *Device, sector uint64, ro ReportOption, zones []Zone) (int, error) {
	start := sort.Search(len(b.zones), func(i int) bool {
		return b.zones[i].End() > sector
	})

	n := 0
	for i := start; i < len(b.zones); i++ {
		if !b.zones[i].matches(ro) {
			continue
		}
		if len(zones) > 0 {
			if n == len(zones) {
				break
			}
			zones[n] = b.zones[i]
		}
		n++
	}
	return n, nil
}

func (b *fakeBackend) zoneOp(d *Device, sector uint64, op ZoneOp, flags int) error {
	if flags&ZoneOpAllZones != 0 {
		for i := range b.zones {
			z := &b.zones[i]
			if !z.Sequential() {
				continue
			}
			switch z.Condition {
			case ZoneCondReadOnly, ZoneCondOffline:
				continue
			}
			if !allZonesApplies(op, z.Condition) {
				continue
			}
			applyZoneOp(z, op)
			if err := b.sync(i); err != nil {
				return err
			}
		}
		return nil
	}

	i := b.locate(sector)
	if i < 0 {
		return d.recordSense(SenseIllegalRequest, 0x21, 0x00)
	}
	z := &b.zones[i]
	if !z.Sequential() {
		return d.recordSense(SenseIllegalRequest, 0x24, 0x00)
	}
	switch z.Condition {
	case ZoneCondReadOnly:
		return d.recordSense(SenseDataProtect, 0x27, 0x08)
	case ZoneCondOffline:
		return d.recordSense(SenseIllegalRequest, 0x24, 0x00)
	}
	if op == ZoneOpOpen && z.Condition == ZoneCondFull {
		return d.recordSense(SenseIllegalRequest, 0x24, 0x00)
	}
	applyZoneOp(z, op)
	return b.sync(i)
}

// allZonesApplies mirrors the ZBC all-zone selection: reset acts on
// every zone holding data, open on closed zones, close on the open set,
// finish on open and closed zones.
func allZonesApplies(op ZoneOp, c ZoneCondition) bool {
	switch op {
	case ZoneOpReset:
		return c != ZoneCondEmpty
	case ZoneOpOpen:
		return c == ZoneCondClosed
	case ZoneOpClose:
		return c == ZoneCondImpOpen || c == ZoneCondExpOpen
	case ZoneOpFinish:
		return c == ZoneCondImpOpen || c == ZoneCondExpOpen || c == ZoneCondClosed
	}
	return false
}

func applyZoneOp(z *Zone, op ZoneOp) {
	switch op {
	case ZoneOpReset:
		z.Condition = ZoneCondEmpty
		z.WritePointer = z.Start
		z.NeedReset = false
		z.NonSeq = false
	case ZoneOpOpen:
		z.Condition = ZoneCondExpOpen
	case ZoneOpClose:
		if z.Condition != ZoneCondImpOpen && z.Condition != ZoneCondExpOpen {
			return
		}
		if z.WritePointer == z.Start {
			z.Condition = ZoneCondEmpty
		} else {
			z.Condition = ZoneCondClosed
		}
	case ZoneOpFinish:
		z.Condition = ZoneCondFull
		z.WritePointer = z.End()
	}
}

func (b *fakeBackend) preadv(d *Device, bufs [][]byte, sector uint64) (uint64, error) {
	off := int64(b.dataOff + sector<<9)
	var n uint64
	for _, buf := range bufs {
		if _, err := b.f.ReadAt(buf, off); err != nil {
			return n, ErrIO
		}
		off += int64(len(buf))
		n += uint64(len(buf)) >> 9
	}
	return n, nil
}

func (b *fakeBackend) pwritev(d *Device, bufs [][]byte, sector uint64) (uint64, error) {
	var total uint64
	for _, buf := range bufs {
		total += uint64(len(buf)) >> 9
	}

	zi := -1
	if len(b.zones) > 0 {
		zi = b.locate(sector)
		if zi < 0 {
			return 0, d.recordSense(SenseIllegalRequest, 0x21, 0x00)
		}
		z := &b.zones[zi]
		switch z.Condition {
		case ZoneCondReadOnly:
			return 0, d.recordSense(SenseDataProtect, 0x27, 0x08)
		case ZoneCondOffline:
			return 0, d.recordSense(SenseDataProtect, 0x21, 0x00)
		}
		if sector+total > z.End() {
			return 0, d.recordSense(SenseIllegalRequest, 0x21, 0x05)
		}
		if z.Type == ZoneTypeSequentialReq && sector != z.WritePointer {
			return 0, d.recordSense(SenseIllegalRequest, 0x21, 0x04)
		}
	}

	off := int64(b.dataOff + sector<<9)
	var n uint64
	for _, buf := range bufs {
		if _, err := b.f.WriteAt(buf, off); err != nil {
			return n, ErrIO
		}
		off += int64(len(buf))
		n += uint64(len(buf)) >> 9
	}

	if zi >= 0 {
		z := &b.zones[zi]
		if z.Sequential() {
			if sector+n > z.WritePointer {
				z.WritePointer = sector + n
			}
			switch {
			case z.WritePointer == z.End():
				z.Condition = ZoneCondFull
			case z.Condition == ZoneCondEmpty || z.Condition == ZoneCondClosed:
				z.Condition = ZoneCondImpOpen
			}
			if err := b.sync(zi); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

func (b *fakeBackend) flush(d *Device) error {
	if err := b.f.Sync(); err != nil {
		return ErrIO
	}
	return nil
}

func (b *fakeBackend) close(d *Device) error {
	return b.f.Close()
}
