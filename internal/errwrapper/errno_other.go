//go:build !unix

package errwrapper

import "syscall"

func errnoName(errno syscall.Errno) string {
	return ""
}
