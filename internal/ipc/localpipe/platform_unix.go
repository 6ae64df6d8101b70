//go:build unix

package localpipe

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// maxPathLen leaves room for the terminating NUL in sun_path.
const maxPathLen = len(unix.RawSockaddrUnix{}.Path) - 1

func checkPerm(fi os.FileInfo, want os.FileMode) error {
	if got := fi.Mode().Perm(); got != want {
		return fmt.Errorf("permissions %#o, want %#o", got, want)
	}
	return nil
}

func checkOwner(path string) error {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return err
	}
	if uid := unix.Getuid(); int(st.Uid) != uid {
		return fmt.Errorf("owned by uid %d, not %d", st.Uid, uid)
	}
	return nil
}

func isNameTooLong(err error) bool {
	return errors.Is(err, unix.ENAMETOOLONG)
}
