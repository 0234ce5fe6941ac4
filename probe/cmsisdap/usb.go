//
// Copyright (c) 2014-2019 Cesanta Software Limited
// All rights reserved
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
//go:build !no_libudev
// +build !no_libudev

package cmsisdap

import (
	"strings"

	"github.com/golang/glog"
	"github.com/google/gousb"
	"github.com/juju/errors"
)

// ListProbes enumerates attached USB devices that look like CMSIS-DAP probes:
// either a known VID:PID or "CMSIS-DAP" in the product string.
func ListProbes() ([]ProbeInfo, error) {
	uctx := gousb.NewContext()
	defer uctx.Close()
	devs, err := uctx.OpenDevices(func(dd *gousb.DeviceDesc) bool {
		glog.V(1).Infof("Dev %+v", dd)
		return true
	})
	// OpenDevices may fail overall but still return results. Only fail if no devices were returned.
	if err != nil && len(devs) == 0 {
		return nil, errors.Annotatef(err, "failed to enumerate USB devices")
	}
	var res []ProbeInfo
	for _, dev := range devs {
		pi := ProbeInfo{
			VID: uint16(dev.Desc.Vendor),
			PID: uint16(dev.Desc.Product),
		}
		pi.Product, _ = dev.Product()
		pi.Manufacturer, _ = dev.Manufacturer()
		pi.Serial, _ = dev.SerialNumber()
		dev.Close()
		if !isKnownProbe(pi.VID, pi.PID) && !strings.Contains(pi.Product, "CMSIS-DAP") {
			continue
		}
		glog.V(1).Infof("Probe %+v", pi)
		res = append(res, pi)
	}
	return res, nil
}
