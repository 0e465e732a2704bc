// Copyright (c) 2024 by library authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

type metricCollector struct {
	m []prometheus.Metric
}

func (mc *metricCollector) Collect(c chan<- prometheus.Metric) {
	for _, m := range mc.m {
		c <- m
	}
}

func (mc *metricCollector) Describe(c chan<- *prometheus.Desc) {
}

func outputMetrics(state Devices) error {
	var (
		mDeviceInfo = prometheus.NewDesc(
			"zbd_device_info",
			"Info metric regarding the detected zoned block devices",
			[]string{"device", "vendor", "backend", "model"}, nil,
		)
		mCapacity = prometheus.NewDesc(
			"zbd_capacity_sectors",
			"Device capacity in 512-byte sectors",
			[]string{"device"}, nil,
		)
		mZones = prometheus.NewDesc(
			"zbd_zones",
			"Number of zones per condition",
			[]string{"device", "condition"}, nil,
		)
		mWritten = prometheus.NewDesc(
			"zbd_written_sectors",
			"Sectors written into sequential zones, per write pointer positions",
			[]string{"device"}, nil,
		)
		mSeqCapacity = prometheus.NewDesc(
			"zbd_sequential_sectors",
			"Total capacity of the sequential zones in sectors",
			[]string{"device"}, nil,
		)
	)
	mc := &metricCollector{}
	for _, s := range state {
		mc.m = append(mc.m,
			prometheus.MustNewConstMetric(mDeviceInfo, prometheus.GaugeValue, 1,
				s.Device, s.Info.Vendor, s.Info.Type.String(), s.Info.Model.String()),
			prometheus.MustNewConstMetric(mCapacity, prometheus.GaugeValue, float64(s.Info.Sectors), s.Device),
			prometheus.MustNewConstMetric(mWritten, prometheus.GaugeValue, float64(s.WrittenSectors), s.Device),
			prometheus.MustNewConstMetric(mSeqCapacity, prometheus.GaugeValue, float64(s.SeqSectors), s.Device))
		for cond, n := range s.Conditions {
			mc.m = append(mc.m,
				prometheus.MustNewConstMetric(mZones, prometheus.GaugeValue, float64(n), s.Device, cond))
		}
	}

	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(mc)

	mfs, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	for _, mf := range mfs {
		if _, err := expfmt.MetricFamilyToText(os.Stdout, mf); err != nil {
			return fmt.Errorf("failed to serialize metrics: %w", err)
		}
	}
	return nil
}
