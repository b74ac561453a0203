//go:build !unix

package tunnel

import "syscall"

// controlReuseAddr is a no-op on platforms where golang.org/x/sys/unix's
// socket option constants aren't available.
func controlReuseAddr(network, address string, c syscall.RawConn) error {
	return nil
}
