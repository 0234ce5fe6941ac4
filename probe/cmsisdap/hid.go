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
	"context"

	"github.com/cesanta/hid"
	"github.com/golang/glog"
	"github.com/juju/errors"
)

// openHID opens the first CMSIS-DAP probe with the given VID:PID and, if
// serial is not empty, the given serial number. HID enumeration does not
// report serial numbers, so candidates are asked over DAP.
func openHID(ctx context.Context, vid, pid uint16, serial string) (*Client, error) {
	devs, err := hid.Devices()
	if err != nil {
		return nil, errors.Annotatef(err, "failed to enumerate HID devices")
	}
	for i, di := range devs {
		glog.V(1).Infof("%d: %04x:%04x %s", i, di.VendorID, di.ProductID, di.Path)
		if di.VendorID != vid || di.ProductID != pid {
			continue
		}
		d, err := di.Open()
		if err != nil {
			return nil, errors.Annotatef(err, "failed to open device %04x:%04x (%s)", di.VendorID, di.ProductID, di.Path)
		}
		c, err := NewClient(ctx, d)
		if err != nil {
			d.Close()
			return nil, errors.Annotatef(err, "%s", di.Path)
		}
		if serial != "" {
			sn, err := c.GetSerialNumber(ctx)
			if err != nil || sn != serial {
				glog.V(1).Infof("%s: serial %q, skipping", di.Path, sn)
				c.Close(ctx)
				continue
			}
		}
		glog.Infof("Opened %04x:%04x (%s)", di.VendorID, di.ProductID, di.Path)
		return c, nil
	}
	sp := ""
	if serial != "" {
		sp = "/" + serial
	}
	return nil, errors.NotFoundf("CMSIS-DAP probe %04x:%04x%s", vid, pid, sp)
}
