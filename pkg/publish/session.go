package publish

import (
	"context"
	"io"

	"github.com/spf13/afero"
)

// Dialer opens sessions to remote hosts.
type Dialer interface {
	Dial(ctx context.Context, conn Connection) (Session, error)
}

// Session is an authenticated connection to the remote host. A Session is
// owned by a single publish and isn't shared between publishes.
type Session interface {
	// FS is the remote filesystem. Paths are absolute POSIX paths.
	FS() afero.Fs

	// NewChannel opens a fresh channel for running a single command.
	NewChannel() (Channel, error)

	Close() error
}

// Channel runs one remote command.
//
// Callers drive a fixed shutdown sequence: Start, drain stdout and stderr,
// CloseWrite (send EOF), Wait (remote EOF and exit status), Close.
type Channel interface {
	Start(cmd string) (stdout, stderr io.Reader, err error)
	CloseWrite() error
	Wait() error
	Close() error
}
