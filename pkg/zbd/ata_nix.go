// Copyright (c) 2024 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zbd

import (
	"encoding/binary"
	"os"

	"github.com/zonedstorage/go-zbd/pkg/zbd/sgio"
)

// ATA/ZAC backend. Every command is wrapped in a 16-byte pass-through
// CDB and shipped through the sg channel; zone information comes back
// as the little-endian Report Zones log.

const (
	ataCmdExecDeviceDiag = 0x90
	ataCmdReadDMAExt     = 0x25
	ataCmdWriteDMAExt    = 0x35
	ataCmdFlushCacheExt  = 0xea
	ataCmdZoneMgmtOut    = 0x9f
	ataCmdIdentify       = 0xec
	ataCmdReadLogDMAExt  = 0xec

	// Report Zones log page.
	ataLogReportZones = 0x1a

	// ZAC zone management actions.
	ataZMCloseZone  = 0x01
	ataZMFinishZone = 0x02
	ataZMOpenZone   = 0x03
	ataZMResetWP    = 0x04

	// LBA mode bit of the device register.
	ataDevLBA = 0x40

	// One log page is 512 bytes; report rounds transfer at most this
	// many pages.
	ataReportPages = 256
)

type ataBackend struct{}

func ataOpen(path string, flags int) (*Device, error) {
	f, err := os.OpenFile(path, flags&(os.O_RDONLY|os.O_RDWR), 0)
	if err != nil {
		return nil, err
	}

	d := &Device{
		path: path,
		fd:   f,
		b:    &ataBackend{},
		info: DeviceInfo{
			Vendor: "ATA",
			Type:   DeviceTypeATA,
		},
	}

	model, err := ataClassify(d)
	if err != nil {
		f.Close()
		return nil, err
	}
	d.info.Model = model

	if err := ataIdentify(d); err != nil {
		f.Close()
		return nil, err
	}
	return d, nil
}

// ataClassify runs EXECUTE DEVICE DIAGNOSTIC with CK_COND set and
// reads the device signature out of the returned register file: the
// ZAC signature means host-managed, the plain ATA signature means the
// drive is either host-aware or unzoned, told apart by whether the
// Report Zones log holds any zones.
func ataClassify(d *Device) (ZoneModel, error) {
	cmd := sgio.ATACmd{
		Protocol: sgio.ATAProtocolDiagnostic,
		CkCond:   true,
		Command:  ataCmdExecDeviceDiag,
	}
	res, err := cmd.Exec(d.fd.Fd(), nil, sgio.DirNone)
	if err != nil || res.Sense == nil {
		// Not reachable over ATA pass-through at all.
		return ModelUnknown, errNotMyDevice
	}
	desc := res.Sense.ATAStatus()
	if desc == nil || len(desc) < 12 {
		return ModelUnknown, errNotMyDevice
	}

	return ataSignatureModel(desc[9], desc[11], func() (int, error) {
		return ataReportNrZones(d)
	})
}

// ataSignatureModel decides the zone model from the diagnostic
// signature. The ZAC signature is definitive; the plain ATA signature
// needs the Report Zones log probed: a drive-managed device reports no
// zones and is declined.
func ataSignatureModel(mid, high uint8, nrZones func() (int, error)) (ZoneModel, error) {
	switch {
	case mid == 0xcd && high == 0xab:
		return ModelHostManaged, nil
	case mid == 0x00 && high == 0x00:
		nz, err := nrZones()
		if err != nil || nz == 0 {
			return ModelUnknown, errNotMyDevice
		}
		return ModelHostAware, nil
	}
	return ModelUnknown, errNotMyDevice
}

// ataIdentify fills the geometry from IDENTIFY DEVICE data.
func ataIdentify(d *Device) error {
	cmd := sgio.ATACmd{
		Protocol: sgio.ATAProtocolPIOIn,
		TDir:     true,
		BytBlk:   true,
		TLength:  sgio.ATATLengthCount,
		Count:    1,
		Device:   ataDevLBA,
		Command:  ataCmdIdentify,
	}
	buf := make([]byte, 512)
	if _, err := d.execSG(ataCDB(&cmd), buf, sgio.DirFromDevice); err != nil {
		return err
	}

	word := func(i int) uint16 {
		return binary.LittleEndian.Uint16(buf[2*i:])
	}

	lblocks := binary.LittleEndian.Uint64(buf[2*100:]) & (1<<48 - 1)

	lblockSize := uint32(512)
	pblockSize := uint32(512)
	if w := word(106); w&(1<<14) != 0 && w&(1<<15) == 0 {
		if w&(1<<12) != 0 {
			words := uint32(word(117)) | uint32(word(118))<<16
			lblockSize = words * 2
		}
		pblockSize = lblockSize << (w & 0xf)
	}

	d.info.LBlockSize = lblockSize
	d.info.PBlockSize = pblockSize
	d.info.LBlocks = lblocks
	d.info.Sectors = lblocks * (uint64(lblockSize) >> 9)
	d.info.PBlocks = d.info.Sectors / d.info.pblockSectors()
	d.info.MaxRWSectors = sgMaxRWSectors
	d.info.MaxNrOpenSeqReq = NoLimit
	d.info.OptNrOpenSeqPref = NotReported
	d.info.OptNrNonSeqWriteSeqPref = NotReported
	if d.info.Model == ModelHostAware {
		d.info.Flags |= CapUnrestrictedRead
	}
	return nil
}

// ataReportZonesLog reads pages of the Report Zones log from the zone
// containing sector under the given filter. The log page rides in the
// low feature byte, the reporting options in the high one.
func ataReportZonesLog(d *Device, sector uint64, ro ReportOption, pages int) ([]byte, error) {
	cmd := sgio.ATACmd{
		Protocol: sgio.ATAProtocolDMA,
		TDir:     true,
		BytBlk:   true,
		TLength:  sgio.ATATLengthCount,
		Features: (uint16(ro)&0xff)<<8 | ataLogReportZones,
		Count:    uint16(pages),
		LBA:      sector / d.info.lblockSectors(),
		Device:   ataDevLBA,
		Command:  ataCmdReadLogDMAExt,
	}
	buf := make([]byte, pages*512)
	if _, err := d.execSG(ataCDB(&cmd), buf, sgio.DirFromDevice); err != nil {
		return nil, err
	}
	return buf, nil
}

func ataReportNrZones(d *Device) (int, error) {
	buf, err := ataReportZonesLog(d, 0, ReportAll, 1)
	if err != nil {
		return 0, err
	}
	return int(binary.LittleEndian.Uint32(buf[0:4])), nil
}

// parseATAZoneLog decodes the 64-byte log header and descriptors. The
// header leads with the number of matching zones; each descriptor is
// 64 bytes of little-endian fields.
func parseATAZoneLog(d *Device, buf []byte, zones []Zone) (total int, filled int, err error) {
	if len(buf) < 64 {
		return 0, 0, ErrIO
	}
	total = int(binary.LittleEndian.Uint32(buf[0:4]))

	avail := (len(buf) - 64) / 64
	n := total
	if n > avail {
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
			Length:       binary.LittleEndian.Uint64(desc[8:16]) * lbs,
			Start:        binary.LittleEndian.Uint64(desc[16:24]) * lbs,
			WritePointer: binary.LittleEndian.Uint64(desc[24:32]) * lbs,
		}
	}
	return total, n, nil
}

func (b *ataBackend) reportZones(d *Device, sector uint64, ro ReportOption, zones []Zone) (int, error) {
	if len(zones) == 0 {
		buf, err := ataReportZonesLog(d, sector, ro&reportOptionMask, 1)
		if err != nil {
			return 0, err
		}
		return int(binary.LittleEndian.Uint32(buf[0:4])), nil
	}

	pages := (len(zones)*64 + 64 + 511) / 512
	if pages > ataReportPages {
		pages = ataReportPages
	}
	buf, err := ataReportZonesLog(d, sector, ro, pages)
	if err != nil {
		return 0, err
	}
	_, n, err := parseATAZoneLog(d, buf, zones)
	return n, err
}

func (b *ataBackend) zoneOp(d *Device, sector uint64, op ZoneOp, flags int) error {
	var action uint16
	switch op {
	case ZoneOpReset:
		action = ataZMResetWP
	case ZoneOpOpen:
		action = ataZMOpenZone
	case ZoneOpClose:
		action = ataZMCloseZone
	case ZoneOpFinish:
		action = ataZMFinishZone
	}
	if flags&ZoneOpAllZones != 0 {
		action |= 0x100
	}

	cmd := sgio.ATACmd{
		Protocol: sgio.ATAProtocolNonData,
		Ext:      true,
		Features: action,
		LBA:      sector / d.info.lblockSectors(),
		Device:   ataDevLBA,
		Command:  ataCmdZoneMgmtOut,
	}
	_, err := d.execSG(ataCDB(&cmd), nil, sgio.DirNone)
	return err
}

func (b *ataBackend) rw(d *Device, bufs [][]byte, sector uint64, write bool) (uint64, error) {
	buf := gatherBuf(bufs)

	cmd := sgio.ATACmd{
		Protocol: sgio.ATAProtocolDMA,
		Ext:      true,
		TType:    true,
		BytBlk:   true,
		TLength:  sgio.ATATLengthCount,
		Count:    uint16(uint64(len(buf)) / uint64(d.info.LBlockSize)),
		LBA:      sector / d.info.lblockSectors(),
		Device:   ataDevLBA,
		Command:  ataCmdReadDMAExt,
	}
	dir := sgio.DirFromDevice
	if write {
		cmd.Command = ataCmdWriteDMAExt
		cmd.TDir = false
		dir = sgio.DirToDevice
	} else {
		cmd.TDir = true
	}

	res, err := d.execSG(ataCDB(&cmd), buf, dir)
	if err != nil {
		return 0, err
	}
	moved := uint64(len(buf)-res.Residual) >> 9
	if !write {
		scatterBuf(bufs, buf[:len(buf)-res.Residual])
	}
	return moved, nil
}

func (b *ataBackend) preadv(d *Device, bufs [][]byte, sector uint64) (uint64, error) {
	return b.rw(d, bufs, sector, false)
}

func (b *ataBackend) pwritev(d *Device, bufs [][]byte, sector uint64) (uint64, error) {
	return b.rw(d, bufs, sector, true)
}

func (b *ataBackend) flush(d *Device) error {
	cmd := sgio.ATACmd{
		Protocol: sgio.ATAProtocolNonData,
		Ext:      true,
		Device:   ataDevLBA,
		Command:  ataCmdFlushCacheExt,
	}
	_, err := d.execSG(ataCDB(&cmd), nil, sgio.DirNone)
	return err
}

func (b *ataBackend) close(d *Device) error {
	return d.fd.Close()
}

func ataCDB(cmd *sgio.ATACmd) []byte {
	cdb := cmd.CDB()
	return cdb[:]
}
