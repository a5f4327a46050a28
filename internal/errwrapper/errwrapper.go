// Package errwrapper contains our error wrapper. Transport errors
// delivered with completion events are always *model.ErrWrapper.
package errwrapper

import (
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"

	"github.com/ooni/unio/model"
)

// SafeErrWrapperBuilder contains a builder for model.ErrWrapper that
// is safe, i.e., behaves correctly when the error is nil.
type SafeErrWrapperBuilder struct {
	// ConnID is the connection ID, if any
	ConnID int64

	// Error is the error, if any
	Error error

	// Operation is the operation that failed
	Operation string
}

// MaybeBuild builds a new model.ErrWrapper, if b.Error is not nil, and
// returns a nil error value, instead, if b.Error is nil.
func (b SafeErrWrapperBuilder) MaybeBuild() (err error) {
	if b.Error != nil {
		var wrapper *model.ErrWrapper
		if errors.As(b.Error, &wrapper) {
			return wrapper
		}
		code, name := errnoInfo(b.Error)
		failure := toFailureString(b.Error)
		if name != "" && strings.HasPrefix(failure, "unknown_failure") {
			failure = fmt.Sprintf("%s (%s)", failure, name)
		}
		err = &model.ErrWrapper{
			ConnID:     b.ConnID,
			Code:       code,
			Failure:    failure,
			Operation:  b.Operation,
			WrappedErr: b.Error,
		}
	}
	return
}

// errnoInfo returns the system error number and its symbolic name
// when err wraps a syscall.Errno.
func errnoInfo(err error) (int, string) {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return 0, ""
	}
	return int(errno), errnoName(errno)
}

func toFailureString(err error) string {
	var errwrapper *model.ErrWrapper
	if errors.As(err, &errwrapper) {
		return errwrapper.Failure
	}
	var x509HostnameError x509.HostnameError
	if errors.As(err, &x509HostnameError) {
		return "ssl_invalid_hostname"
	}
	var x509UnknownAuthorityError x509.UnknownAuthorityError
	if errors.As(err, &x509UnknownAuthorityError) {
		return "ssl_unknown_authority"
	}
	var x509CertificateInvalidError x509.CertificateInvalidError
	if errors.As(err, &x509CertificateInvalidError) {
		return "ssl_invalid_certificate"
	}
	if errors.Is(err, net.ErrClosed) {
		return "connection_closed"
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return "connection_refused"
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return "connection_reset"
	}
	s := err.Error()
	if strings.HasSuffix(s, "operation was canceled") {
		return "interrupted"
	}
	if strings.HasSuffix(s, "EOF") {
		return "eof_error"
	}
	if strings.HasSuffix(s, "connection refused") {
		return "connection_refused"
	}
	if strings.HasSuffix(s, "connection reset by peer") {
		return "connection_reset"
	}
	if strings.HasSuffix(s, "context deadline exceeded") {
		return "generic_timeout_error"
	}
	if strings.HasSuffix(s, "i/o timeout") {
		return "generic_timeout_error"
	}
	if strings.HasSuffix(s, "no such host") {
		return "dns_nxdomain_error"
	}
	if strings.HasPrefix(s, "tls: ") || strings.Contains(s, "remote error: tls: ") {
		return "ssl_failed_handshake"
	}
	return fmt.Sprintf("unknown_failure: %s", s)
}
