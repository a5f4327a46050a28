package model

import (
	"errors"
	"io"
	"testing"
)

func TestErrWrapper(t *testing.T) {
	err := &ErrWrapper{
		ConnID:     7,
		Failure:    "eof_error",
		Operation:  "read",
		WrappedErr: io.EOF,
	}
	if err.Error() != "eof_error" {
		t.Fatal("unexpected error string")
	}
	if !errors.Is(err, io.EOF) {
		t.Fatal("cannot unwrap the error")
	}
	var target *ErrWrapper
	if !errors.As(error(err), &target) || target.ConnID != 7 {
		t.Fatal("cannot use errors.As")
	}
}
