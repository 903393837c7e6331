//go:build !unix

package harness

import "syscall"

func controlSocket(_, _ string, _ syscall.RawConn) error {
	return nil
}
