// Copyright (c) 2024 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zbd

import (
	"encoding/binary"
	"errors"
	"testing"
)

// buildATAZoneLog assembles a Report Zones log buffer: a 64-byte
// header leading with the zone count, then 64-byte little-endian
// descriptors.
func buildATAZoneLog(total int, zones []Zone, lblockSize uint32) []byte {
	buf := make([]byte, 64+len(zones)*64)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	lbs := uint64(lblockSize) >> 9
	for i := range zones {
		z := &zones[i]
		desc := buf[64+i*64:]
		desc[0] = byte(z.Type) & 0x0f
		desc[1] = byte(z.Condition) << 4
		if z.NeedReset {
			desc[1] |= 0x01
		}
		if z.NonSeq {
			desc[1] |= 0x02
		}
		binary.LittleEndian.PutUint64(desc[8:16], z.Length/lbs)
		binary.LittleEndian.PutUint64(desc[16:24], z.Start/lbs)
		binary.LittleEndian.PutUint64(desc[24:32], z.WritePointer/lbs)
	}
	return buf
}

func ataTestDevice(lblockSize uint32) *Device {
	return &Device{
		b: &ataBackend{},
		info: DeviceInfo{
			Type:       DeviceTypeATA,
			Model:      ModelHostManaged,
			LBlockSize: lblockSize,
			PBlockSize: 4096,
		},
	}
}

func TestParseATAZoneLog(t *testing.T) {
	want := []Zone{
		{Type: ZoneTypeConventional, Condition: ZoneCondNotWP, Start: 0, Length: 262144},
		{Type: ZoneTypeSequentialReq, Condition: ZoneCondImpOpen, Start: 262144, Length: 131072, WritePointer: 266240, NonSeq: true},
		{Type: ZoneTypeSequentialReq, Condition: ZoneCondFull, Start: 393216, Length: 131072, WritePointer: 524288, NeedReset: true},
	}

	for _, lblock := range []uint32{512, 4096} {
		d := ataTestDevice(lblock)
		buf := buildATAZoneLog(len(want), want, lblock)

		zones := make([]Zone, 8)
		total, n, err := parseATAZoneLog(d, buf, zones)
		if err != nil {
			t.Fatalf("lblock %d: parseATAZoneLog() error: %v", lblock, err)
		}
		if total != len(want) || n != len(want) {
			t.Fatalf("lblock %d: (total, n) = (%d, %d); want (%d, %d)", lblock, total, n, len(want), len(want))
		}
		for i := range want {
			if zones[i] != want[i] {
				t.Errorf("lblock %d: zone %d = %+v; want %+v", lblock, i, zones[i], want[i])
			}
		}
	}
}

func TestParseATAZoneLogTruncated(t *testing.T) {
	zones := []Zone{
		{Type: ZoneTypeSequentialReq, Condition: ZoneCondEmpty, Start: 0, Length: 131072},
		{Type: ZoneTypeSequentialReq, Condition: ZoneCondEmpty, Start: 131072, Length: 131072, WritePointer: 131072},
	}
	d := ataTestDevice(512)

	// The header claims more zones than the buffer carries; only the
	// in-buffer descriptors are consumed.
	buf := buildATAZoneLog(1000, zones, 512)
	out := make([]Zone, 8)
	total, n, err := parseATAZoneLog(d, buf, out)
	if err != nil {
		t.Fatalf("parseATAZoneLog() error: %v", err)
	}
	if total != 1000 || n != 2 {
		t.Errorf("(total, n) = (%d, %d); want (1000, 2)", total, n)
	}

	// And the output slice caps the fill.
	total, n, err = parseATAZoneLog(d, buf, out[:1])
	if err != nil {
		t.Fatalf("parseATAZoneLog() error: %v", err)
	}
	if total != 1000 || n != 1 {
		t.Errorf("(total, n) = (%d, %d); want (1000, 1)", total, n)
	}
}

func TestParseATAZoneLogMalformed(t *testing.T) {
	d := ataTestDevice(512)
	for _, size := range []int{0, 16, 63} {
		if _, _, err := parseATAZoneLog(d, make([]byte, size), make([]Zone, 1)); !errors.Is(err, ErrIO) {
			t.Errorf("%d byte payload: got %v; want ErrIO", size, err)
		}
	}
}
