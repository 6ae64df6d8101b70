package localpipe

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

func checkPeer(conn *net.UnixConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var (
		cred    *unix.Ucred
		credErr error
	)
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return err
	}
	if credErr != nil {
		return fmt.Errorf("peer credentials: %w", credErr)
	}
	if uid := unix.Getuid(); int(cred.Uid) != uid {
		return fmt.Errorf("peer uid %d is not %d", cred.Uid, uid)
	}
	return nil
}
