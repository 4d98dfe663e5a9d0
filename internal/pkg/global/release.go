// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

//go:build release

package global

import (
	"fmt"

	"shroud/internal/version"
)

var UserAgent = fmt.Sprintf("Shroud/%d.%d.%d", version.MAJOR, version.MINOR, version.PATCH)

const Dev = false
