// Package errors adds stack context to the errors the broker propagates,
// over github.com/pkg/errors. Expected failures travel as vfs.Status values
// instead; this package is for the unexpected kind, which should reach a log
// with a trace attached (format with %+v).
package errors

import (
	"fmt"

	"github.com/pkg/errors"
)

// New, Errorf, Wrap and Wrapf are re-exported so callers need import only
// this package.
var (
	New    = errors.New
	Errorf = errors.Errorf
	Wrap   = errors.Wrap
	Wrapf  = errors.Wrapf
)

// stackTraced is satisfied by errors already carrying formattable stack
// information.
type stackTraced interface {
	error
	fmt.Formatter
}

// RichError converts an arbitrary recovered value into an error that prints
// with a stack trace, wrapping only values that don't carry one yet. The
// backend daemon's serve loop (wire.ServeBrokerTCP) recovers panics and
// passes them through here before logging.
func RichError(err interface{}) error {
	if err == nil {
		return nil
	}
	switch err := err.(type) {
	case stackTraced:
		return err
	case error:
		return errors.Wrap(err, err.Error()).(stackTraced)
	default:
		return errors.New(fmt.Sprintf("%v", err)).(stackTraced)
	}
}
