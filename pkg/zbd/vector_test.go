// Copyright (c) 2024 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zbd

import (
	"errors"
	"math/rand"
	"testing"
)

// stubBackend records every transfer the splitter hands down and can
// force short transfers.
type stubBackend struct {
	calls []stubCall

	// shortEvery forces every n-th transfer to move only one aligned
	// chunk. 0 disables.
	shortEvery int
	shortAlign uint64

	zones []Zone
	// pageLimit caps the zones returned per report round. 0 means
	// unlimited.
	pageLimit int
}

type stubCall struct {
	sector  uint64
	sectors uint64
	moved   uint64
	iovcnt  int
}

func (b *stubBackend) transfer(bufs [][]byte, sector uint64) (uint64, error) {
	var n uint64
	for _, buf := range bufs {
		n += uint64(len(buf)) >> 9
	}
	moved := n
	if b.shortEvery > 0 && (len(b.calls)+1)%b.shortEvery == 0 && n > b.shortAlign {
		moved = b.shortAlign
	}
	b.calls = append(b.calls, stubCall{sector, n, moved, len(bufs)})
	return moved, nil
}

func (b *stubBackend) preadv(d *Device, bufs [][]byte, sector uint64) (uint64, error) {
	return b.transfer(bufs, sector)
}

func (b *stubBackend) pwritev(d *Device, bufs [][]byte, sector uint64) (uint64, error) {
	return b.transfer(bufs, sector)
}

func (b *stubBackend) reportZones(d *Device, sector uint64, ro ReportOption, zones []Zone) (int, error) {
	n := 0
	for i := range b.zones {
		z := &b.zones[i]
		if z.End() <= sector || !z.matches(ro) {
			continue
		}
		if len(zones) > 0 {
			if n == len(zones) || (b.pageLimit > 0 && n == b.pageLimit) {
				break
			}
			zones[n] = *z
		}
		n++
	}
	return n, nil
}

func (b *stubBackend) zoneOp(d *Device, sector uint64, op ZoneOp, flags int) error {
	return nil
}

func (b *stubBackend) flush(d *Device) error { return nil }
func (b *stubBackend) close(d *Device) error { return nil }

func stubDevice(b *stubBackend) *Device {
	return &Device{
		path: "stub",
		b:    b,
		info: DeviceInfo{
			Type:         DeviceTypeFake,
			Model:        ModelHostManaged,
			Sectors:      1 << 21,
			LBlockSize:   512,
			PBlockSize:   4096,
			MaxRWSectors: 1024,
		},
	}
}

func TestVectorIOSplitting(t *testing.T) {
	testCases := []struct {
		name      string
		bufs      []int // buffer sizes in sectors
		sector    uint64
		wantCalls int
	}{
		{"SingleSmall", []int{8}, 0, 1},
		{"ExactWindow", []int{1024}, 0, 1},
		{"TwoWindows", []int{1024, 8}, 8, 2},
		{"ManyBuffers", []int{8, 16, 24, 1000, 1024, 8}, 0, 3},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b := &stubBackend{}
			d := stubDevice(b)

			var bufs [][]byte
			var total uint64
			for _, n := range tc.bufs {
				bufs = append(bufs, make([]byte, n*SectorSize))
				total += uint64(n)
			}

			got, err := d.WriteV(bufs, tc.sector)
			if err != nil {
				t.Fatalf("WriteV() error: %v", err)
			}
			if got != total {
				t.Errorf("WriteV() = %d sectors; want %d", got, total)
			}
			if len(b.calls) != tc.wantCalls {
				t.Errorf("backend called %d times; want %d", len(b.calls), tc.wantCalls)
			}

			// The windows must tile [sector, sector+total) exactly.
			next := tc.sector
			var sum uint64
			for _, c := range b.calls {
				if c.sector != next {
					t.Errorf("window starts at %d; want %d", c.sector, next)
				}
				if c.sectors > d.info.MaxRWSectors {
					t.Errorf("window of %d sectors exceeds cap %d", c.sectors, d.info.MaxRWSectors)
				}
				if c.iovcnt > len(bufs) {
					t.Errorf("scratch vector has %d entries; input had %d", c.iovcnt, len(bufs))
				}
				next += c.sectors
				sum += c.sectors
			}
			if sum != total {
				t.Errorf("windows sum to %d sectors; want %d", sum, total)
			}
		})
	}
}

func TestVectorIOShortTransfers(t *testing.T) {
	b := &stubBackend{shortEvery: 2, shortAlign: 8}
	d := stubDevice(b)

	bufs := [][]byte{make([]byte, 2048*SectorSize)}
	got, err := d.ReadV(bufs, 0)
	if err != nil {
		t.Fatalf("ReadV() error: %v", err)
	}
	if got != 2048 {
		t.Fatalf("ReadV() = %d sectors; want 2048", got)
	}

	// The splitter advances by what actually moved, not by the window
	// it asked for.
	next := uint64(0)
	var sum uint64
	for _, c := range b.calls {
		if c.sector != next {
			t.Fatalf("window starts at %d; want %d (short transfer not resumed)", c.sector, next)
		}
		next += c.moved
		sum += c.moved
	}
	if sum != 2048 {
		t.Fatalf("moved %d sectors; want 2048", sum)
	}
}

func TestVectorIOValidation(t *testing.T) {
	testCases := []struct {
		name   string
		bufs   []int // sectors; -1 marks an unaligned byte buffer
		sector uint64
		write  bool
	}{
		{"EmptyVector", nil, 0, false},
		{"ZeroLength", []int{0}, 0, false},
		{"UnalignedBuffer", []int{-1}, 0, false},
		{"WriteSectorNotPhysAligned", []int{8}, 262145, true},
		{"WriteCountNotPhysAligned", []int{3}, 262144, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b := &stubBackend{}
			d := stubDevice(b)

			var bufs [][]byte
			for _, n := range tc.bufs {
				if n < 0 {
					bufs = append(bufs, make([]byte, 100))
					continue
				}
				bufs = append(bufs, make([]byte, n*SectorSize))
			}

			var err error
			if tc.write {
				_, err = d.WriteV(bufs, tc.sector)
			} else {
				_, err = d.ReadV(bufs, tc.sector)
			}
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("got %v; want ErrInvalid", err)
			}
			if len(b.calls) != 0 {
				t.Errorf("backend reached on invalid input")
			}
		})
	}
}

// Reads check logical alignment only; sub-physical reads must pass.
func TestVectorIOReadAlignmentAsymmetry(t *testing.T) {
	b := &stubBackend{}
	d := stubDevice(b)

	if _, err := d.ReadV([][]byte{make([]byte, SectorSize)}, 3); err != nil {
		t.Errorf("sub-physical read rejected: %v", err)
	}
	if _, err := d.WriteV([][]byte{make([]byte, SectorSize)}, 3); !errors.Is(err, ErrInvalid) {
		t.Errorf("sub-physical write accepted: %v", err)
	}
}

func TestVectorIOCapacityClamp(t *testing.T) {
	b := &stubBackend{}
	d := stubDevice(b)
	capacity := d.info.Sectors

	got, err := d.ReadV([][]byte{make([]byte, 8*SectorSize)}, capacity-4)
	if err != nil {
		t.Fatalf("ReadV() error: %v", err)
	}
	if got != 4 {
		t.Errorf("ReadV() at capacity-4 = %d sectors; want 4", got)
	}

	got, err = d.ReadV([][]byte{make([]byte, 8*SectorSize)}, capacity)
	if err != nil || got != 0 {
		t.Errorf("ReadV() at capacity = (%d, %v); want (0, nil)", got, err)
	}
}

func TestVectorIOTestMode(t *testing.T) {
	b := &stubBackend{}
	d := stubDevice(b)
	d.testMode = true

	if _, err := d.WriteV([][]byte{make([]byte, SectorSize)}, 3); err != nil {
		t.Errorf("test mode write rejected: %v", err)
	}
}

func TestVectorIORandomized(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		b := &stubBackend{}
		d := stubDevice(b)

		nbufs := 1 + rnd.Intn(8)
		var bufs [][]byte
		var total uint64
		for j := 0; j < nbufs; j++ {
			n := 1 + rnd.Intn(512)
			bufs = append(bufs, make([]byte, n*SectorSize))
			total += uint64(n)
		}
		sector := uint64(rnd.Intn(1 << 20))

		got, err := d.ReadV(bufs, sector)
		if err != nil {
			t.Fatalf("ReadV() error: %v", err)
		}
		want := total
		if sector+want > d.info.Sectors {
			want = d.info.Sectors - sector
		}
		if got != want {
			t.Fatalf("ReadV() = %d; want %d", got, want)
		}

		next := sector
		for _, c := range b.calls {
			if c.sector != next {
				t.Fatalf("window at %d; want %d", c.sector, next)
			}
			if c.sectors > d.info.MaxRWSectors {
				t.Fatalf("window of %d sectors over cap", c.sectors)
			}
			next += c.sectors
		}
		if next != sector+want {
			t.Fatalf("windows cover [%d, %d); want [%d, %d)", sector, next, sector, sector+want)
		}
	}
}
