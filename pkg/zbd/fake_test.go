// Copyright (c) 2024 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zbd

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// Emulated device layout used throughout: one 128 MiB conventional
// zone and fifteen 64 MiB sequential zones.
const (
	testConvSectors = 262144
	testZoneSectors = 131072
	testNrSeqZones  = 15
	testCapacity    = testConvSectors + testNrSeqZones*testZoneSectors
)

func fakeDevice(t *testing.T) *Device {
	t.Helper()

	path := filepath.Join(t.TempDir(), "zbd.img")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create backing file: %v", err)
	}
	if err := f.Truncate(testCapacity * SectorSize); err != nil {
		t.Fatalf("truncate backing file: %v", err)
	}
	f.Close()

	d, err := Open(path, os.O_RDWR|DrvFake)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	if err := d.SetZones(testConvSectors, testZoneSectors); err != nil {
		t.Fatalf("SetZones() error: %v", err)
	}
	return d
}

func TestFakeLayout(t *testing.T) {
	d := fakeDevice(t)

	zones, err := d.ListZones(0, ReportAll)
	if err != nil {
		t.Fatalf("ListZones() error: %v", err)
	}
	if len(zones) != 16 {
		t.Fatalf("ListZones() = %d zones; want 16", len(zones))
	}

	z0 := &zones[0]
	if !z0.Conventional() || z0.Start != 0 || z0.Length != testConvSectors {
		t.Errorf("zone 0 = %s; want conventional [0..%d)", z0, testConvSectors)
	}
	for i := 1; i < len(zones); i++ {
		z := &zones[i]
		if z.Type != ZoneTypeSequentialReq {
			t.Errorf("zone %d type = %s; want seq-write-required", i, z.Type)
		}
		if z.Length != testZoneSectors {
			t.Errorf("zone %d length = %d; want %d", i, z.Length, testZoneSectors)
		}
		if !z.Empty() || z.WritePointer != z.Start {
			t.Errorf("zone %d = %s; want empty with wp at start", i, z)
		}
	}
}

func TestFakePartitioningInvariant(t *testing.T) {
	d := fakeDevice(t)

	zones, err := d.ListZones(0, ReportAll)
	if err != nil {
		t.Fatalf("ListZones() error: %v", err)
	}

	var sum uint64
	next := uint64(0)
	for i := range zones {
		if zones[i].Start != next {
			t.Errorf("zone %d starts at %d; want %d", i, zones[i].Start, next)
		}
		next = zones[i].End()
		sum += zones[i].Length
	}
	if sum != d.Info().Sectors {
		t.Errorf("zone lengths sum to %d; capacity is %d", sum, d.Info().Sectors)
	}
}

func TestFakeWriteAdvancesWritePointer(t *testing.T) {
	d := fakeDevice(t)

	buf := make([]byte, 4096*SectorSize)
	n, err := d.Write(buf, testConvSectors)
	if err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if n != 4096 {
		t.Fatalf("Write() = %d sectors; want 4096", n)
	}

	z, err := d.ZoneAt(testConvSectors)
	if err != nil {
		t.Fatalf("ZoneAt() error: %v", err)
	}
	if z.Condition != ZoneCondImpOpen {
		t.Errorf("zone condition = %s; want implicit-open", z.Condition)
	}
	if want := uint64(testConvSectors + 4096); z.WritePointer != want {
		t.Errorf("write pointer = %d; want %d", z.WritePointer, want)
	}
}

func TestFakeMisalignedWriteRejected(t *testing.T) {
	d := fakeDevice(t)

	buf := make([]byte, 4096*SectorSize)
	if _, err := d.Write(buf, testConvSectors+1); !errors.Is(err, ErrInvalid) {
		t.Fatalf("misaligned write: got %v; want ErrInvalid", err)
	}

	// Local validation must leave the device state untouched.
	z, err := d.ZoneAt(testConvSectors)
	if err != nil {
		t.Fatalf("ZoneAt() error: %v", err)
	}
	if !z.Empty() || z.WritePointer != z.Start {
		t.Errorf("zone state changed by rejected write: %s", z)
	}
}

func TestFakeReadClampedAtCapacity(t *testing.T) {
	d := fakeDevice(t)
	capacity := d.Info().Sectors

	buf := make([]byte, 8*SectorSize)
	n, err := d.Read(buf, capacity-4)
	if err != nil {
		t.Fatalf("Read() error: %v", err)
	}
	if n != 4 {
		t.Errorf("Read() at capacity-4 = %d sectors; want 4", n)
	}
}

func TestFakeResetZone(t *testing.T) {
	d := fakeDevice(t)

	buf := make([]byte, 4096*SectorSize)
	if _, err := d.Write(buf, testConvSectors); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if err := d.ResetZone(testConvSectors); err != nil {
		t.Fatalf("ResetZone() error: %v", err)
	}

	z, err := d.ZoneAt(testConvSectors)
	if err != nil {
		t.Fatalf("ZoneAt() error: %v", err)
	}
	if !z.Empty() || z.WritePointer != uint64(testConvSectors) {
		t.Errorf("after reset: %s; want empty with wp %d", z, testConvSectors)
	}
}

func TestFakeResetAllZones(t *testing.T) {
	d := fakeDevice(t)

	buf := make([]byte, 4096*SectorSize)
	for _, zone := range []uint64{0, 1, 5, 14} {
		start := uint64(testConvSectors + zone*testZoneSectors)
		if _, err := d.Write(buf, start); err != nil {
			t.Fatalf("Write(zone %d) error: %v", zone, err)
		}
	}
	if err := d.ResetAllZones(); err != nil {
		t.Fatalf("ResetAllZones() error: %v", err)
	}

	zones, err := d.ListZones(0, ReportAll)
	if err != nil {
		t.Fatalf("ListZones() error: %v", err)
	}
	if !zones[0].Conventional() {
		t.Errorf("conventional zone affected by reset-all: %s", &zones[0])
	}
	for i := 1; i < len(zones); i++ {
		if !zones[i].Empty() || zones[i].WritePointer != zones[i].Start {
			t.Errorf("zone %d not reset: %s", i, &zones[i])
		}
	}
}

func TestFakeReportFullOnFreshDevice(t *testing.T) {
	d := fakeDevice(t)

	nr, err := d.ReportNrZones(0, ReportFull)
	if err != nil {
		t.Fatalf("ReportNrZones(full) error: %v", err)
	}
	if nr != 0 {
		t.Errorf("ReportNrZones(full) = %d; want 0", nr)
	}
	zones, err := d.ListZones(0, ReportFull)
	if err != nil {
		t.Fatalf("ListZones(full) error: %v", err)
	}
	if len(zones) != 0 {
		t.Errorf("ListZones(full) = %d zones; want 0", len(zones))
	}
}

func TestFakeWritePointerInvariants(t *testing.T) {
	d := fakeDevice(t)

	// Drive a few zones into different conditions.
	buf := make([]byte, 4096*SectorSize)
	if _, err := d.Write(buf, testConvSectors); err != nil {
		t.Fatal(err)
	}
	if err := d.OpenZone(testConvSectors + testZoneSectors); err != nil {
		t.Fatal(err)
	}
	if err := d.FinishZone(testConvSectors + 2*testZoneSectors); err != nil {
		t.Fatal(err)
	}
	if _, err := d.Write(buf, testConvSectors+3*testZoneSectors); err != nil {
		t.Fatal(err)
	}
	if err := d.CloseZone(testConvSectors + 3*testZoneSectors); err != nil {
		t.Fatal(err)
	}

	zones, err := d.ListZones(0, ReportAll)
	if err != nil {
		t.Fatalf("ListZones() error: %v", err)
	}
	for i := range zones {
		z := &zones[i]
		if !z.Sequential() {
			continue
		}
		switch z.Condition {
		case ZoneCondEmpty, ZoneCondImpOpen, ZoneCondExpOpen, ZoneCondClosed, ZoneCondFull:
			if z.WritePointer < z.Start || z.WritePointer > z.End() {
				t.Errorf("zone %d wp %d outside [%d, %d]", i, z.WritePointer, z.Start, z.End())
			}
		}
		if z.Empty() && z.WritePointer != z.Start {
			t.Errorf("empty zone %d has wp %d; want %d", i, z.WritePointer, z.Start)
		}
		if z.Full() && z.WritePointer != z.End() {
			t.Errorf("full zone %d has wp %d; want %d", i, z.WritePointer, z.End())
		}
	}
}

func TestFakeZoneStateMachine(t *testing.T) {
	d := fakeDevice(t)
	start := uint64(testConvSectors)
	buf := make([]byte, 64*SectorSize)

	step := func(name string, err error, want ZoneCondition) {
		t.Helper()
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		z, err := d.ZoneAt(start)
		if err != nil {
			t.Fatalf("%s: ZoneAt: %v", name, err)
		}
		if z.Condition != want {
			t.Fatalf("%s: condition = %s; want %s", name, z.Condition, want)
		}
	}

	write := func() error { _, err := d.Write(buf, start+64); return err }

	// empty -> implicit open -> closed -> explicit open -> closed ->
	// implicit open -> full via finish -> empty via reset.
	_, err := d.Write(buf, start)
	step("first write", err, ZoneCondImpOpen)
	step("close", d.CloseZone(start), ZoneCondClosed)
	step("explicit open", d.OpenZone(start), ZoneCondExpOpen)
	step("close again", d.CloseZone(start), ZoneCondClosed)
	step("write reopens", write(), ZoneCondImpOpen)
	step("finish", d.FinishZone(start), ZoneCondFull)
	step("reset", d.ResetZone(start), ZoneCondEmpty)

	// Closing a zone never written returns it to empty.
	step("open empty", d.OpenZone(start), ZoneCondExpOpen)
	step("close unwritten", d.CloseZone(start), ZoneCondEmpty)
}

func TestFakeUnalignedWriteSense(t *testing.T) {
	d := fakeDevice(t)
	start := uint64(testConvSectors)

	buf := make([]byte, 64*SectorSize)
	if _, err := d.Write(buf, start); err != nil {
		t.Fatal(err)
	}

	// Writing past the write pointer is a device-level error, unlike
	// the local alignment rejection.
	_, err := d.Write(buf, start+128)
	var sense *SenseError
	if !errors.As(err, &sense) {
		t.Fatalf("got %v; want a SenseError", err)
	}
	if sense.Key != SenseIllegalRequest || sense.Code != SenseUnalignedWrite {
		t.Errorf("sense = %v; want illegal-request/unaligned-write", sense)
	}
	if d.LastError() != sense {
		t.Errorf("LastError() = %v; want the returned sense", d.LastError())
	}
}

func TestFakeWriteBoundaryViolation(t *testing.T) {
	d := fakeDevice(t)
	start := uint64(testConvSectors)
	end := start + testZoneSectors

	if err := d.SetWritePointer(start, end-8); err != nil {
		t.Fatalf("SetWritePointer() error: %v", err)
	}

	buf := make([]byte, 16*SectorSize)
	_, err := d.Write(buf, end-8)
	var sense *SenseError
	if !errors.As(err, &sense) {
		t.Fatalf("got %v; want a SenseError", err)
	}
	if sense.Code != SenseWriteBoundaryViolation {
		t.Errorf("sense code = %v; want write-boundary-violation", sense.Code)
	}
}

func TestFakeConventionalZoneWrites(t *testing.T) {
	d := fakeDevice(t)

	// Conventional zones take random writes; no write pointer moves.
	buf := make([]byte, 64*SectorSize)
	for _, sector := range []uint64{0, 1024, 65536, 8} {
		if _, err := d.Write(buf, sector); err != nil {
			t.Fatalf("Write(%d) error: %v", sector, err)
		}
	}
	z, err := d.ZoneAt(0)
	if err != nil {
		t.Fatal(err)
	}
	if z.Condition != ZoneCondNotWP {
		t.Errorf("conventional zone condition = %s; want not-wp", z.Condition)
	}
}

func TestFakeReadBackData(t *testing.T) {
	d := fakeDevice(t)
	start := uint64(testConvSectors)

	buf := make([]byte, 64*SectorSize)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	if _, err := d.Write(buf, start); err != nil {
		t.Fatal(err)
	}

	// Scattered read of the same range.
	a := make([]byte, 16*SectorSize)
	b := make([]byte, 48*SectorSize)
	if _, err := d.ReadV([][]byte{a, b}, start); err != nil {
		t.Fatal(err)
	}
	for i, c := range a {
		if c != byte(i%251) {
			t.Fatalf("a[%d] = %d; want %d", i, c, byte(i%251))
		}
	}
	for i, c := range b {
		want := byte((i + len(a)) % 251)
		if c != want {
			t.Fatalf("b[%d] = %d; want %d", i, c, want)
		}
	}
}

func TestFakePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zbd.img")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(testCapacity * SectorSize); err != nil {
		t.Fatal(err)
	}
	f.Close()

	d, err := Open(path, os.O_RDWR|DrvFake)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.SetZones(testConvSectors, testZoneSectors); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4096*SectorSize)
	if _, err := d.Write(buf, testConvSectors); err != nil {
		t.Fatal(err)
	}
	if err := d.Close(); err != nil {
		t.Fatal(err)
	}

	d, err = Open(path, os.O_RDWR|DrvFake)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer d.Close()

	if got := d.Info().Sectors; got != testCapacity {
		t.Fatalf("capacity after reopen = %d; want %d", got, testCapacity)
	}
	z, err := d.ZoneAt(testConvSectors)
	if err != nil {
		t.Fatal(err)
	}
	if z.Condition != ZoneCondImpOpen || z.WritePointer != uint64(testConvSectors+4096) {
		t.Errorf("zone state lost across reopen: %s", z)
	}
}

func TestFakeRequiresOptIn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zbd.img")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	f.Close()

	// Without the explicit emulator bit no backend accepts a plain
	// file.
	if _, err := Open(path, os.O_RDONLY); !errors.Is(err, ErrNoDevice) {
		t.Errorf("Open without DrvFake: got %v; want ErrNoDevice", err)
	}

	zoned, err := IsZoned(path, false)
	if err != nil || zoned {
		t.Errorf("IsZoned(fakeOK=false) = (%v, %v); want (false, nil)", zoned, err)
	}
	zoned, err = IsZoned(path, true)
	if err != nil || !zoned {
		t.Errorf("IsZoned(fakeOK=true) = (%v, %v); want (true, nil)", zoned, err)
	}
}

func TestFakeSetZonesOnRealBackendUnsupported(t *testing.T) {
	b := &stubBackend{}
	d := stubDevice(b)

	if err := d.SetZones(0, 1024); !errors.Is(err, ErrNotSupported) {
		t.Errorf("SetZones on stub backend: got %v; want ErrNotSupported", err)
	}
	if err := d.SetWritePointer(0, 0); !errors.Is(err, ErrNotSupported) {
		t.Errorf("SetWritePointer on stub backend: got %v; want ErrNotSupported", err)
	}
}
