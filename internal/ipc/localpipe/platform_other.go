//go:build !unix

package localpipe

import "os"

// Matches the sun_path size Windows declares for AF_UNIX.
const maxPathLen = 107

// Access to the socket directory is governed by its ACL, not mode bits.
func checkPerm(os.FileInfo, os.FileMode) error { return nil }

func checkOwner(string) error { return nil }

func isNameTooLong(error) bool { return false }
