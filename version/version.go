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
package version

import (
	"fmt"
	"regexp"
	"runtime"
)

// Set at link time: -ldflags "-X github.com/mongoose-os/memprof/version.Version=1.2".
var (
	Version        = "latest"
	BuildId        = ""
	BuildTimestamp = ""
)

const LatestVersionName = "latest"

var regexpVersionNumber = regexp.MustCompile(`^\d+\.[0-9.]*$`)

// GetVersion returns this binary's version, or "latest" if it's not a
// release build.
func GetVersion() string {
	if LooksLikeVersionNumber(Version) {
		return Version
	}
	return LatestVersionName
}

func LooksLikeVersionNumber(s string) bool {
	return regexpVersionNumber.MatchString(s)
}

// String is what memprof --version prints.
func String() string {
	s := fmt.Sprintf("memprof %s", GetVersion())
	if BuildId != "" {
		s += fmt.Sprintf(" (%s)", BuildId)
	}
	if BuildTimestamp != "" {
		s += fmt.Sprintf(", built %s", BuildTimestamp)
	}
	return fmt.Sprintf("%s %s/%s", s, runtime.GOOS, runtime.GOARCH)
}
