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
package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"github.com/mongoose-os/memprof/common/ourutil"
	"github.com/mongoose-os/memprof/probe/cmsisdap"
	"github.com/mongoose-os/memprof/symbols"
)

func listProbes() error {
	probes, err := cmsisdap.ListProbes()
	if err != nil {
		return errors.Trace(err)
	}
	if len(probes) == 0 {
		ourutil.Reportf("No CMSIS-DAP probes found")
		return nil
	}
	for _, p := range probes {
		fmt.Println(p)
	}
	return nil
}

func listFunctions() error {
	l, err := symbols.LoadListing(*listingFile)
	if err != nil {
		return errors.Trace(err)
	}
	fns := l.Functions()
	if *functionName != "" {
		if fns, err = l.Callees(*functionName); err != nil {
			return errors.Trace(err)
		}
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, f := range fns {
		fmt.Fprintf(w, "0x%08x\t%d\t%s\n", f.Start, f.End-f.Start, f.Name)
	}
	return errors.Trace(w.Flush())
}

const defaultConfigFile = "memprof.yml"

func initConfig() error {
	cfg, err := loadConfig()
	if err != nil {
		return errors.Trace(err)
	}
	fn := flag.Arg(1)
	if fn == "" {
		fn = defaultConfigFile
	}
	written, err := cfg.Save(fn)
	if err != nil {
		return errors.Trace(err)
	}
	if written {
		ourutil.Reportf("Wrote %s", fn)
	} else {
		ourutil.Reportf("%s is up to date", fn)
	}
	return nil
}
