package transport

import (
	"errors"
	"io"

	"github.com/hashicorp/yamux"
	"github.com/quic-go/quic-go"
)

// IsPeerClosed reports whether err means the peer closed the connection or
// stream, as opposed to a local failure or a broken path.
func IsPeerClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) {
		return true
	}
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.Remote {
		return true
	}
	return errors.Is(err, yamux.ErrRemoteGoAway) ||
		errors.Is(err, yamux.ErrConnectionReset) ||
		errors.Is(err, yamux.ErrStreamClosed)
}
