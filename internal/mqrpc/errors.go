package mqrpc

import (
	"fmt"

	"emperror.dev/errors"
)

var (
	ErrConnect     = errors.NewPlain("broker connect")
	ErrPublish     = errors.NewPlain("publish")
	ErrConsume     = errors.NewPlain("consume")
	ErrTimeout     = errors.NewPlain("no reply before timeout")
	ErrProtocol    = errors.NewPlain("protocol")
	ErrClosed      = errors.NewPlain("closed")
	ErrNotOpen     = errors.NewPlain("connection not open")
	ErrTableFull   = errors.NewPlain("too many pending requests")
	ErrDuplicateID = errors.NewPlain("duplicate correlation id")
	ErrUnknownID   = errors.NewPlain("unknown correlation id")
)

// wrapKind tags err with one of the sentinel kinds above, keeping both in the chain.
func wrapKind(kind error, err error) error {
	return fmt.Errorf("%w: %w", kind, err)
}
