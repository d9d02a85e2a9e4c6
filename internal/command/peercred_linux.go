//go:build linux

package command

import (
	"net"

	"golang.org/x/sys/unix"
)

// peerCred returns the pid and uid of the process on the other end of a
// Unix socket connection.
func peerCred(conn net.Conn) (pid int32, uid uint32, ok bool) {
	uc, isUnix := conn.(*net.UnixConn)
	if !isUnix {
		return 0, 0, false
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return 0, 0, false
	}
	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil || credErr != nil {
		return 0, 0, false
	}
	return cred.Pid, cred.Uid, true
}
