package errwrapper

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"

	"github.com/ooni/unio/model"
)

func TestMaybeBuildFactory(t *testing.T) {
	err := SafeErrWrapperBuilder{
		ConnID:    1,
		Error:     errors.New("mocked error"),
		Operation: "read",
	}.MaybeBuild()
	var target *model.ErrWrapper
	if errors.As(err, &target) == false {
		t.Fatal("not the expected error type")
	}
	if target.ConnID != 1 {
		t.Fatal("wrong ConnID")
	}
	if target.Failure != "unknown_failure: mocked error" {
		t.Fatal("the failure string is wrong")
	}
	if target.Operation != "read" {
		t.Fatal("the operation is wrong")
	}
	if target.WrappedErr.Error() != "mocked error" {
		t.Fatal("the wrapped error is wrong")
	}
}

func TestMaybeBuildNil(t *testing.T) {
	if (SafeErrWrapperBuilder{}).MaybeBuild() != nil {
		t.Fatal("expected nil error")
	}
}

func TestMaybeBuildDoesNotWrapTwice(t *testing.T) {
	first := SafeErrWrapperBuilder{ConnID: 1, Error: io.EOF}.MaybeBuild()
	second := SafeErrWrapperBuilder{ConnID: 2, Error: first}.MaybeBuild()
	if first != second {
		t.Fatal("should have returned the same wrapper")
	}
}

func TestMaybeBuildWithErrno(t *testing.T) {
	err := SafeErrWrapperBuilder{
		Error: &net.OpError{Op: "read", Err: fmt.Errorf("wrapped: %w", syscall.ECONNRESET)},
	}.MaybeBuild()
	var target *model.ErrWrapper
	if !errors.As(err, &target) {
		t.Fatal("not the expected error type")
	}
	if target.Code != int(syscall.ECONNRESET) {
		t.Fatal("wrong code")
	}
	if target.Failure != "connection_reset" {
		t.Fatal("wrong failure", target.Failure)
	}
	if !errors.Is(err, syscall.ECONNRESET) {
		t.Fatal("cannot unwrap the errno")
	}
}

func TestToFailureString(t *testing.T) {
	expired, cancel := context.WithTimeout(context.Background(), 1)
	defer cancel()
	<-expired.Done()
	var cases = []struct {
		name    string
		err     error
		failure string
	}{{
		name:    "already wrapped",
		err:     SafeErrWrapperBuilder{Error: io.EOF}.MaybeBuild(),
		failure: "eof_error",
	}, {
		name:    "invalid hostname",
		err:     x509.HostnameError{},
		failure: "ssl_invalid_hostname",
	}, {
		name:    "unknown authority",
		err:     x509.UnknownAuthorityError{},
		failure: "ssl_unknown_authority",
	}, {
		name:    "invalid certificate",
		err:     x509.CertificateInvalidError{},
		failure: "ssl_invalid_certificate",
	}, {
		name:    "EOF",
		err:     io.EOF,
		failure: "eof_error",
	}, {
		name:    "use of closed connection",
		err:     fmt.Errorf("x: %w", net.ErrClosed),
		failure: "connection_closed",
	}, {
		name:    "refused",
		err:     syscall.ECONNREFUSED,
		failure: "connection_refused",
	}, {
		name:    "reset",
		err:     syscall.ECONNRESET,
		failure: "connection_reset",
	}, {
		name:    "deadline exceeded",
		err:     expired.Err(),
		failure: "generic_timeout_error",
	}, {
		name:    "no such host",
		err:     &net.DNSError{Err: "no such host"},
		failure: "dns_nxdomain_error",
	}, {
		name:    "TLS alert",
		err:     errors.New("remote error: tls: bad certificate"),
		failure: "ssl_failed_handshake",
	}}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := toFailureString(tc.err); got != tc.failure {
				t.Fatal("unexpected failure", got)
			}
		})
	}
}

func TestCanceledDialIsInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := (&net.Dialer{}).DialContext(ctx, "tcp", "127.0.0.1:1")
	if err == nil {
		t.Fatal("expected an error here")
	}
	if toFailureString(err) != "interrupted" {
		t.Fatal("unexpected failure", err)
	}
}
