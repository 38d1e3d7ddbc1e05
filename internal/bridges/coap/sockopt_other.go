//go:build !unix

package coap

import "syscall"

func reuseAddr(_, _ string, _ syscall.RawConn) error {
	return nil
}
