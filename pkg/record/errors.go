package record

import "errors"

// ErrAlreadyBound is returned by Bind when the record already belongs
// to a manager.
var ErrAlreadyBound = errors.New("record: already bound to a manager")

// ErrUnboundAccess is returned by Unbind when the record is not
// currently owned by any manager — spec.md's UnboundAccessError,
// "attempting to unbind a record not owned by this manager."
var ErrUnboundAccess = errors.New("record: not bound to a manager")

// ErrUnknownKind is returned by New/Rehydrate for a kind with no
// registered Schema.
var ErrUnknownKind = errors.New("record: unknown kind")

// ErrUnknownField is returned by Get for a name that is neither a
// declared schema field nor previously set on an unbound record.
var ErrUnknownField = errors.New("record: unknown field")
