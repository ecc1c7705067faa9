package safe

import (
	"errors"
	"testing"

	"PPChat/tools/errs"

	"github.com/stretchr/testify/assert"
)

func TestCallConvertsPanic(t *testing.T) {
	err := Call(func() error { panic("boom") })
	assert.Equal(t, errs.ServerInternalError, errs.Code(err))

	want := errors.New("plain")
	assert.Equal(t, want, Call(func() error { return want }))
}

func TestSafeGoRecovers(t *testing.T) {
	done := make(chan error, 1)
	go func() {
		defer Recover("test", func(err error) { done <- err })
		panic("x")
	}()
	assert.Error(t, <-done)

	ok := make(chan struct{})
	SafeGo("noop", func() { close(ok) })
	<-ok
}

func TestMustNotNil(t *testing.T) {
	var p *int
	assert.Panics(t, func() { MustNotNil(p, "p") })
	assert.Panics(t, func() { MustNotNil(nil, "nil") })
	assert.NotPanics(t, func() { MustNotNil(1, "int") })
}
