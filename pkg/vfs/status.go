package vfs

// Status is the broker's small status-code enum, returned value-style from
// every dispatcher operation; no panic/recover unwinding is used for
// expected failure paths, only for truly unexpected backend or wire errors
// (see pkg/errors).
type Status int

const (
	EOK Status = iota
	ENOENT
	EBUSY
	ENOMEM
	EINVAL
	EPERM
	EBADF
	EEXIST
	ENOTSUP
	EIO
	EOVERFLOW
)

func (s Status) String() string {
	switch s {
	case EOK:
		return "EOK"
	case ENOENT:
		return "ENOENT"
	case EBUSY:
		return "EBUSY"
	case ENOMEM:
		return "ENOMEM"
	case EINVAL:
		return "EINVAL"
	case EPERM:
		return "EPERM"
	case EBADF:
		return "EBADF"
	case EEXIST:
		return "EEXIST"
	case ENOTSUP:
		return "ENOTSUP"
	case EIO:
		return "EIO"
	case EOVERFLOW:
		return "EOVERFLOW"
	default:
		return "EUNKNOWN"
	}
}

// Error adapts Status to the error interface so it can be returned and
// compared (errors.Is) alongside richer wrapped errors from pkg/errors.
func (s Status) Error() string { return s.String() }

// Ok reports whether s is the success status.
func (s Status) Ok() bool { return s == EOK }

// StatusOf extracts a Status from err, defaulting to EIO for any error that
// isn't itself a Status and doesn't wrap one. A nil err yields EOK.
func StatusOf(err error) Status {
	if err == nil {
		return EOK
	}
	if st, ok := err.(Status); ok {
		return st
	}
	if u, ok := err.(interface{ Unwrap() error }); ok {
		return StatusOf(u.Unwrap())
	}
	return EIO
}
