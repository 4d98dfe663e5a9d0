// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package version

import (
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
)

// FormatBuildInfo renders build info like `go version -m`, one dependency per line.
func FormatBuildInfo(info *debug.BuildInfo) string {
	buf := new(strings.Builder)

	fmt.Fprintf(buf, "go\t%s\n", info.GoVersion)

	modSize := 0
	versionSize := 0
	for _, d := range info.Deps {
		modSize = max(modSize, len(d.Path))
		versionSize = max(versionSize, len(d.Version))
	}

	for _, d := range info.Deps {
		fmt.Fprintf(buf, "dep\t%-*s %-*s %s\n", modSize, d.Path, versionSize, d.Version, d.Sum)
		if d.Replace != nil {
			fmt.Fprintf(buf, "\t=> %s %s %s\n", d.Replace.Path, d.Replace.Version, d.Replace.Sum)
		}
	}

	for _, s := range info.Settings {
		key := s.Key
		if len(key) == 0 || strings.ContainsAny(key, "= \t\r\n\"`") {
			key = strconv.Quote(key)
		}

		value := s.Value
		if strings.ContainsAny(value, " \t\r\n\"`") {
			value = strconv.Quote(value)
		}

		fmt.Fprintf(buf, "build\t%s=%s\n", key, value)
	}

	return buf.String()
}
