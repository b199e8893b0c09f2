package util

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh/terminal"

	"github.com/sidkik/kpublish/pkg/config"
	"github.com/sidkik/kpublish/pkg/errors"
	"github.com/sidkik/kpublish/pkg/publish"
)

// Mocked for unit testing.
var (
	exit                      = os.Exit
	stderr          io.Writer = os.Stderr
	readPassword              = terminal.ReadPassword
	stdinIsTerminal           = func() bool { return IsTerminal(os.Stdin) }
)

// HandleFatalError prints `err` and exits. Friendly errors are printed
// without their context, which is still available in the debug log.
func HandleFatalError(err error) {
	log.WithError(err).Debug("Fatal error")
	fmt.Fprintln(stderr, errors.GetPrintableMessage(err))
	exit(1)
}

// HandlePanic logs the stack of a panic before letting it crash the process.
// It must be deferred.
func HandlePanic() {
	if r := recover(); r != nil {
		log.WithField("panic", r).WithField("stack", string(debug.Stack())).
			Error("Unexpected panic")
		panic(r)
	}
}

// IsTerminal returns whether `f` is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// PromptPassword reads a password from the terminal without echoing it.
func PromptPassword(prompt string) (string, error) {
	if !stdinIsTerminal() {
		return "", errors.NewFriendlyError("A password is required, but stdin " +
			"isn't a terminal. Set the server password in the config, or " +
			"configure a private key.")
	}

	fmt.Fprint(stderr, prompt)
	password, err := readPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(stderr)
	if err != nil {
		return "", errors.WithContext(err, "read password")
	}
	return string(password), nil
}

// Connection returns the connection described by `cfg`, prompting for a
// password if the config doesn't have any credentials.
func Connection(cfg config.Config) (publish.Connection, error) {
	conn := cfg.Connection()
	if !cfg.NeedsPassword() {
		return conn, nil
	}

	password, err := PromptPassword(fmt.Sprintf("Password for %s@%s: ", conn.User, conn.Host))
	if err != nil {
		return publish.Connection{}, errors.WithContext(err, "get password")
	}
	conn.Password = password
	return conn, nil
}

// ProgressPrinter writes publish progress, prefixing every line with the
// name of the upload it belongs to. It's safe for concurrent use.
type ProgressPrinter struct {
	out  io.Writer
	lock sync.Mutex
}

// NewProgressPrinter returns a printer that writes to `out`.
func NewProgressPrinter(out io.Writer) *ProgressPrinter {
	return &ProgressPrinter{out: out}
}

// For returns a progress callback for the upload named `name`.
func (pp *ProgressPrinter) For(name string) func(string) {
	return func(msg string) {
		pp.lock.Lock()
		defer pp.lock.Unlock()

		scanner := bufio.NewScanner(strings.NewReader(msg))
		for scanner.Scan() {
			fmt.Fprintf(pp.out, "[%s] %s\n", name, scanner.Text())
		}
	}
}
