// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

const (
	MAJOR = 0
	MINOR = 1
	PATCH = 0
)

// Build information. Populated at build-time.
var (
	Ref       string
	BuildDate string
)

var versionOutput = gen()

// Print returns version information.
func Print() string {
	return versionOutput
}

func gen() string {
	revision, tags := computeRevision()

	lines := []string{
		fmt.Sprintf("version:    %d.%d.%d", MAJOR, MINOR, PATCH),
		"revision:   " + revision,
		"go version: " + runtime.Version(),
		"platform:   " + runtime.GOOS + "/" + runtime.GOARCH,
	}

	if Ref != "" {
		lines = append(lines, "ref:        "+Ref)
	}

	if BuildDate != "" {
		lines = append(lines, "build date: "+BuildDate)
	}

	if tags != "" {
		lines = append(lines, "build tags: "+tags)
	}

	return strings.Join(lines, "\n")
}

func computeRevision() (string, string) {
	var (
		rev      = "<unknown>"
		tags     = ""
		modified bool
	)

	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return rev, tags
	}

	for _, v := range buildInfo.Settings {
		switch v.Key {
		case "vcs.revision":
			rev = v.Value
		case "vcs.modified":
			modified = v.Value == "true"
		case "-tags":
			tags = v.Value
		}
	}

	if modified {
		return rev + "-modified", tags
	}

	return rev, tags
}
