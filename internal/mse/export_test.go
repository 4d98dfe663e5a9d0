// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package mse

import (
	"net"
	"testing"
)

func TCPPair(t testing.TB) (client, server net.Conn) {
	return tcpPair(t)
}
