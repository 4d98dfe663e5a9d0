// Copyright 2024 trim21 <trim21.me@gmail.com>
// SPDX-License-Identifier: GPL-3.0-only

package global

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"time"

	"github.com/mwitkow/go-conntrack"

	"shroud/internal/version"
)

var PeerIDPrefix = fmt.Sprintf("-SH%x%x%x0-", version.MAJOR, version.MINOR, version.PATCH)

const IsLinux = runtime.GOOS == "linux"

// ConnTimeout is the default budget for one peer handshake, MSE included.
const ConnTimeout = 30 * time.Second

var dialTracked = conntrack.NewDialContextFunc(
	conntrack.DialWithTracing(),
	conntrack.DialWithName("p2p"),
	conntrack.DialWithDialer(&net.Dialer{Timeout: time.Minute}),
)

// Dial will try to establish a connection.
func Dial(ctx context.Context, network, address string) (net.Conn, error) {
	return dialTracked(ctx, network, address)
}

// Listen wraps a tcp listener so accepted connections show up in conntrack metrics.
func Listen(ctx context.Context, address string) (net.Listener, error) {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}

	return conntrack.NewListener(l, conntrack.TrackWithName("p2p"), conntrack.TrackWithTracing()), nil
}
