//go:build !linux

package command

import "net"

func peerCred(net.Conn) (int32, uint32, bool) { return 0, 0, false }
