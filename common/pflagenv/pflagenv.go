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

// Package pflagenv lets environment variables stand in for command line
// flags: MEMPROF_LIVE_ADDR for --live-addr and so on.
package pflagenv

import (
	"os"
	"strings"

	"github.com/juju/errors"
	"github.com/spf13/pflag"

	"github.com/mongoose-os/memprof/common/multierror"
)

// EnvName is the variable consulted for a flag.
func EnvName(flagName, envPrefix string) string {
	return envPrefix + strings.ToUpper(strings.Replace(flagName, "-", "_", -1))
}

// ParseFlagSet sets every flag that was not given on the command line from
// its environment variable, if there is one. Must be called after fs.Parse.
// Values that do not parse are reported together.
func ParseFlagSet(fs *pflag.FlagSet, envPrefix string) error {
	var errs error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}
		name := EnvName(f.Name, envPrefix)
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			return
		}
		if err := f.Value.Set(v); err != nil {
			errs = multierror.Append(errs, errors.Annotatef(err, "%s", name))
			return
		}
		f.Changed = true
	})
	return errs
}

// Parse is ParseFlagSet for pflag.CommandLine.
func Parse(envPrefix string) error {
	return ParseFlagSet(pflag.CommandLine, envPrefix)
}
