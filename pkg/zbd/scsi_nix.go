// Copyright (c) 2024 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zbd

import (
	"encoding/binary"
	"os"
	"strings"

	"github.com/zonedstorage/go-zbd/pkg/zbd/sgio"
)

// SCSI/ZBC backend. ZBC zone data is big-endian on the wire, unlike
// the ATA log pages; READ CAPACITY replies are big-endian as well.

const (
	scsiCmdInquiry       = 0x12
	scsiCmdSyncCache16   = 0x91
	scsiCmdRead16        = 0x88
	scsiCmdWrite16       = 0x8a
	scsiCmdServiceIn16   = 0x9e
	scsiCmdZBCIn         = 0x95
	scsiCmdZBCOut        = 0x94

	scsiSAReadCapacity16 = 0x10
	scsiSAReportZones    = 0x00

	// ZBC OUT zone management actions.
	scsiZACloseZone  = 0x01
	scsiZAFinishZone = 0x02
	scsiZAOpenZone   = 0x03
	scsiZAResetWP    = 0x04

	// Peripheral device types of interest.
	scsiPDTBlock       = 0x00
	scsiPDTHostManaged = 0x14

	// VPD pages.
	scsiVPDBlockLimits = 0xb0
	scsiVPDBlockChar   = 0xb1
	scsiVPDZonedChar   = 0xb6

	// Per-round report buffer: 2047 descriptors plus the header.
	scsiReportBufSize = 128 << 10
)

type scsiBackend struct{}

func scsiOpen(path string, flags int) (*Device, error) {
	f, err := os.OpenFile(path, flags&(os.O_RDONLY|os.O_RDWR), 0)
	if err != nil {
		return nil, err
	}

	d := &Device{
		path: path,
		fd:   f,
		b:    &scsiBackend{},
		info: DeviceInfo{Type: DeviceTypeSCSI},
	}

	if err := scsiClassify(d); err != nil {
		f.Close()
		return nil, err
	}
	if err := scsiReadGeometry(d); err != nil {
		f.Close()
		return nil, err
	}
	return d, nil
}

// scsiClassify issues INQUIRY and, for plain block devices, the block
// device characteristics VPD page to tell host-aware devices apart
// from unzoned ones. Devices that hide their zoning are declined.
func scsiClassify(d *Device) error {
	var cdb sgio.CDB6
	cdb[0] = scsiCmdInquiry
	buf := make([]byte, 96)
	binary.BigEndian.PutUint16(cdb[3:5], uint16(len(buf)))

	res, err := sgio.Exec(d.fd.Fd(), cdb[:], buf, sgio.DirFromDevice)
	if err != nil || res.Sense != nil {
		return errNotMyDevice
	}

	d.info.Vendor = strings.TrimSpace(string(buf[8:16]))

	switch buf[0] & 0x1f {
	case scsiPDTHostManaged:
		d.info.Model = ModelHostManaged
		return nil
	case scsiPDTBlock:
		vpd, err := scsiInquiryVPD(d, scsiVPDBlockChar, 64)
		if err != nil {
			return errNotMyDevice
		}
		// ZONED field of the block device characteristics page.
		if (vpd[8]>>4)&0x3 == 0x1 {
			d.info.Model = ModelHostAware
			return nil
		}
	}
	return errNotMyDevice
}

func scsiInquiryVPD(d *Device, page uint8, size int) ([]byte, error) {
	var cdb sgio.CDB6
	cdb[0] = scsiCmdInquiry
	cdb[1] = 0x01 // EVPD
	cdb[2] = page
	buf := make([]byte, size)
	binary.BigEndian.PutUint16(cdb[3:5], uint16(len(buf)))

	if _, err := d.execSG(cdb[:], buf, sgio.DirFromDevice); err != nil {
		return nil, err
	}
	return buf, nil
}

func scsiReadGeometry(d *Device) error {
	var cdb sgio.CDB16
	cdb[0] = scsiCmdServiceIn16
	cdb[1] = scsiSAReadCapacity16
	buf := make([]byte, 32)
	binary.BigEndian.PutUint32(cdb[10:14], uint32(len(buf)))

	if _, err := d.execSG(cdb[:], buf, sgio.DirFromDevice); err != nil {
		return err
	}

	maxLBA := binary.BigEndian.Uint64(buf[0:8])
	lblockSize := binary.BigEndian.Uint32(buf[8:12])
	if lblockSize < 512 {
		return ErrIO
	}

	d.info.LBlockSize = lblockSize
	d.info.PBlockSize = lblockSize << (buf[13] & 0x0f)
	d.info.LBlocks = maxLBA + 1
	d.info.Sectors = d.info.LBlocks * d.info.lblockSectors()
	d.info.PBlocks = d.info.Sectors / d.info.pblockSectors()

	d.info.MaxRWSectors = sgMaxRWSectors
	if vpd, err := scsiInquiryVPD(d, scsiVPDBlockLimits, 64); err == nil {
		if max := binary.BigEndian.Uint32(vpd[8:12]); max != 0 {
			sectors := uint64(max) * d.info.lblockSectors()
			if sectors < d.info.MaxRWSectors {
				d.info.MaxRWSectors = sectors
			}
		}
	}

	d.info.MaxNrOpenSeqReq = NoLimit
	d.info.OptNrOpenSeqPref = NotReported
	d.info.OptNrNonSeqWriteSeqPref = NotReported
	if vpd, err := scsiInquiryVPD(d, scsiVPDZonedChar, 64); err == nil {
		if vpd[4]&0x01 != 0 {
			d.info.Flags |= CapUnrestrictedRead
		}
		switch d.info.Model {
		case ModelHostAware:
			d.info.OptNrOpenSeqPref = binary.BigEndian.Uint32(vpd[8:12])
			d.info.OptNrNonSeqWriteSeqPref = binary.BigEndian.Uint32(vpd[12:16])
		case ModelHostManaged:
			d.info.MaxNrOpenSeqReq = binary.BigEndian.Uint32(vpd[16:20])
		}
	}
	return nil
}

func scsiReportZonesCDB(d *Device, sector uint64, ro ReportOption, alloc int) sgio.CDB16 {
	var cdb sgio.CDB16
	cdb[0] = scsiCmdZBCIn
	cdb[1] = scsiSAReportZones
	binary.BigEndian.PutUint64(cdb[2:10], sector/d.info.lblockSectors())
	binary.BigEndian.PutUint32(cdb[10:14], uint32(alloc))
	cdb[14] = byte(ro) & (reportOptionMask | byte(ReportPartial))
	return cdb
}

func (b *scsiBackend) reportZones(d *Device, sector uint64, ro ReportOption, zones []Zone) (int, error) {
	alloc := 64 + len(zones)*64
	if len(zones) == 0 {
		// Count query: the zone list length field reflects every
		// matching zone even when none fit the allocation.
		alloc = 64
	}
	if alloc > scsiReportBufSize {
		alloc = scsiReportBufSize
	}
	buf := make([]byte, alloc)

	cdb := scsiReportZonesCDB(d, sector, ro, alloc)
	if _, err := d.execSG(cdb[:], buf, sgio.DirFromDevice); err != nil {
		return 0, err
	}

	listLen := binary.BigEndian.Uint32(buf[0:4])
	total := int(listLen / 64)
	if len(zones) == 0 {
		return total, nil
	}

	n := total
	if avail := (len(buf) - 64) / 64; n > avail {
		n = avail
	}
	if n > len(zones) {
		n = len(zones)
	}

	lbs := d.info.lblockSectors()
	for i := 0; i < n; i++ {
		desc := buf[64+i*64:]
		zones[i] = Zone{
			Type:         ZoneType(desc[0] & 0x0f),
			Condition:    ZoneCondition(desc[1] >> 4),
			NeedReset:    desc[1]&0x01 != 0,
			NonSeq:       desc[1]&0x02 != 0,
			Length:       binary.BigEndian.Uint64(desc[8:16]) * lbs,
			Start:        binary.BigEndian.Uint64(desc[16:24]) * lbs,
			WritePointer: binary.BigEndian.Uint64(desc[24:32]) * lbs,
		}
	}
	return n, nil
}

func (b *scsiBackend) zoneOp(d *Device, sector uint64, op ZoneOp, flags int) error {
	var cdb sgio.CDB16
	cdb[0] = scsiCmdZBCOut
	switch op {
	case ZoneOpReset:
		cdb[1] = scsiZAResetWP
	case ZoneOpOpen:
		cdb[1] = scsiZAOpenZone
	case ZoneOpClose:
		cdb[1] = scsiZACloseZone
	case ZoneOpFinish:
		cdb[1] = scsiZAFinishZone
	}
	binary.BigEndian.PutUint64(cdb[2:10], sector/d.info.lblockSectors())
	if flags&ZoneOpAllZones != 0 {
		cdb[14] = 0x01
	}

	_, err := d.execSG(cdb[:], nil, sgio.DirNone)
	return err
}

func (b *scsiBackend) rw(d *Device, bufs [][]byte, sector uint64, write bool) (uint64, error) {
	buf := gatherBuf(bufs)

	var cdb sgio.CDB16
	dir := sgio.DirFromDevice
	if write {
		cdb[0] = scsiCmdWrite16
		dir = sgio.DirToDevice
	} else {
		cdb[0] = scsiCmdRead16
	}
	binary.BigEndian.PutUint64(cdb[2:10], sector/d.info.lblockSectors())
	binary.BigEndian.PutUint32(cdb[10:14], uint32(uint64(len(buf))/uint64(d.info.LBlockSize)))

	res, err := d.execSG(cdb[:], buf, dir)
	if err != nil {
		return 0, err
	}
	moved := uint64(len(buf)-res.Residual) >> 9
	if !write {
		scatterBuf(bufs, buf[:len(buf)-res.Residual])
	}
	return moved, nil
}

func (b *scsiBackend) preadv(d *Device, bufs [][]byte, sector uint64) (uint64, error) {
	return b.rw(d, bufs, sector, false)
}

func (b *scsiBackend) pwritev(d *Device, bufs [][]byte, sector uint64) (uint64, error) {
	return b.rw(d, bufs, sector, true)
}

func (b *scsiBackend) flush(d *Device) error {
	var cdb sgio.CDB16
	cdb[0] = scsiCmdSyncCache16
	_, err := d.execSG(cdb[:], nil, sgio.DirNone)
	return err
}

func (b *scsiBackend) close(d *Device) error {
	return d.fd.Close()
}
