package wire

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/complyue/hbi"

	"github.com/dusxmt/vfsbroker/pkg/errors"
)

// HBIChannel is the production Channel, backed by an HBI posting end. It is
// used for both legs of the hourglass: client->broker and broker->backend.
// Each Call is one posting conversation: code landing for the inline
// arguments, StartRecv/RecvObj/RecvData for the reply.
type HBIChannel struct {
	po *hbi.PostingEnd
}

// NewHBIChannel wraps an already-established HBI posting end.
func NewHBIChannel(po *hbi.PostingEnd) *HBIChannel {
	return &HBIChannel{po: po}
}

func (c *HBIChannel) NewCall(ctx context.Context, method string) (Call, error) {
	co, err := c.po.NewCo()
	if err != nil {
		return nil, errors.Wrapf(err, "opening conversation for %s", method)
	}
	return &hbiCall{co: co, method: method}, nil
}

func (c *HBIChannel) Close() error {
	c.po.Close()
	return nil
}

type hbiCall struct {
	co     *hbi.PoCo
	method string
}

func (call *hbiCall) SendArgs(args ...interface{}) error {
	reprs := make([]string, len(args))
	for i, a := range args {
		reprs[i] = fmt.Sprintf("%#v", a)
	}
	code := fmt.Sprintf("\n%s(%s)\n", call.method, strings.Join(reprs, ", "))
	if err := call.co.SendCode(code); err != nil {
		return errors.Wrapf(err, "sending %s", call.method)
	}
	return nil
}

func (call *hbiCall) SendData(buf []byte) error {
	return call.co.SendData(buf)
}

func (call *hbiCall) StartRecv() error {
	return call.co.StartRecv()
}

// RecvArgs receives one landed value per destination pointer. Numeric
// values land as hbi literal types (e.g. int64 for any integer repr), so
// each is converted to the destination's kind rather than type-asserted
// directly.
func (call *hbiCall) RecvArgs(dest ...interface{}) error {
	for i, d := range dest {
		obj, err := call.co.RecvObj()
		if err != nil {
			return errors.Wrapf(err, "receiving reply %d for %s", i, call.method)
		}
		if obj == nil {
			continue
		}
		dv := reflect.ValueOf(d)
		if dv.Kind() != reflect.Ptr {
			return errors.Errorf("RecvArgs: destination %d for %s is not a pointer", i, call.method)
		}
		ov := reflect.ValueOf(obj)
		elem := dv.Elem()
		if !ov.Type().ConvertibleTo(elem.Type()) {
			return errors.Errorf("RecvArgs: reply %d for %s is %T, want %s",
				i, call.method, obj, elem.Type())
		}
		elem.Set(ov.Convert(elem.Type()))
	}
	return nil
}

func (call *hbiCall) RecvData(buf []byte) error {
	return call.co.RecvData(buf)
}

func (call *hbiCall) Close() error {
	call.co.Close()
	return nil
}
