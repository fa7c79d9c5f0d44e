package wire

import (
	"context"
	"reflect"

	"github.com/dusxmt/vfsbroker/pkg/errors"
)

// Dispatcher answers one call synchronously: given a method name, its inline
// arguments and an optional bulk-data payload, it returns the inline reply
// values and an optional bulk-data reply. A DispatcherFunc stands in for the
// remote end of a connection in tests.
type Dispatcher interface {
	Dispatch(ctx context.Context, method string, args []interface{}, data []byte) (reply []interface{}, replyData []byte, err error)
}

// DispatcherFunc adapts a plain function to a Dispatcher.
type DispatcherFunc func(ctx context.Context, method string, args []interface{}, data []byte) ([]interface{}, []byte, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, method string, args []interface{}, data []byte) ([]interface{}, []byte, error) {
	return f(ctx, method, args, data)
}

// LocalChannel is an in-process Channel that calls straight into a
// Dispatcher: no serialization, no network. It lets the Channel contract be
// exercised in tests without a live HBI wire; production code always goes
// through HBIChannel.
type LocalChannel struct {
	d Dispatcher
}

func NewLocalChannel(d Dispatcher) *LocalChannel {
	return &LocalChannel{d: d}
}

func (c *LocalChannel) NewCall(ctx context.Context, method string) (Call, error) {
	return &localCall{ctx: ctx, d: c.d, method: method}, nil
}

func (c *LocalChannel) Close() error { return nil }

type localCall struct {
	ctx    context.Context
	d      Dispatcher
	method string

	sendArgs []interface{}
	sendData []byte

	replyArgs []interface{}
	replyData []byte
	replied   bool
	err       error
}

func (call *localCall) SendArgs(args ...interface{}) error {
	call.sendArgs = append(call.sendArgs, args...)
	return nil
}

func (call *localCall) SendData(buf []byte) error {
	call.sendData = append(call.sendData, buf...)
	return nil
}

func (call *localCall) StartRecv() error {
	if call.replied {
		return nil
	}
	call.replyArgs, call.replyData, call.err = call.d.Dispatch(
		call.ctx, call.method, call.sendArgs, call.sendData)
	call.replied = true
	return call.err
}

func (call *localCall) RecvArgs(dest ...interface{}) error {
	if !call.replied {
		if err := call.StartRecv(); err != nil {
			return err
		}
	}
	n := len(dest)
	if n > len(call.replyArgs) {
		n = len(call.replyArgs)
	}
	for i := 0; i < n; i++ {
		if call.replyArgs[i] == nil {
			continue
		}
		dv := reflect.ValueOf(dest[i])
		if dv.Kind() != reflect.Ptr {
			return errors.Errorf("RecvArgs: destination %d is not a pointer", i)
		}
		dv.Elem().Set(reflect.ValueOf(call.replyArgs[i]))
	}
	return nil
}

func (call *localCall) RecvData(buf []byte) error {
	if !call.replied {
		if err := call.StartRecv(); err != nil {
			return err
		}
	}
	n := copy(buf, call.replyData)
	call.replyData = call.replyData[n:]
	return nil
}

func (call *localCall) Close() error { return nil }
