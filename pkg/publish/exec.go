package publish

import (
	"bytes"
	"context"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sidkik/kpublish/pkg/errors"
)

// CommandSeparator joins a command batch into a single remote script.
const CommandSeparator = "\n"

type exitStatuser interface {
	ExitStatus() int
}

// Execute runs `commands` as a single script on a fresh channel and returns
// its stdout. The batch fails if it exits with a non-zero status or writes
// anything to stderr. If `ctx` ends first, the channel is closed and the
// context's error is returned.
func Execute(ctx context.Context, session Session, commands []string) (string, error) {
	if len(commands) == 0 {
		return "", nil
	}

	channel, err := session.NewChannel()
	if err != nil {
		return "", errors.WithContext(err, "open channel")
	}

	type outcome struct {
		stdout string
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		stdout, err := runScript(channel, strings.Join(commands, CommandSeparator))
		done <- outcome{stdout, err}
	}()

	select {
	case res := <-done:
		return res.stdout, res.err
	case <-ctx.Done():
		if err := channel.Close(); err != nil {
			log.WithError(err).Debug("Failed to close channel after timeout")
		}
		return "", errors.WithContext(ctx.Err(), "run remote commands")
	}
}

func runScript(channel Channel, script string) (string, error) {
	stdout, stderr, err := channel.Start(script)
	if err != nil {
		channel.Close()
		return "", errors.WithContext(err, "start")
	}

	var outBuf, errBuf bytes.Buffer
	var readers errgroup.Group
	readers.Go(func() error {
		_, err := io.Copy(&outBuf, stdout)
		return err
	})
	readers.Go(func() error {
		_, err := io.Copy(&errBuf, stderr)
		return err
	})
	readErr := readers.Wait()

	if err := channel.CloseWrite(); err != nil {
		log.WithError(err).Debug("Failed to send EOF")
	}
	waitErr := channel.Wait()
	if err := channel.Close(); err != nil {
		log.WithError(err).Debug("Failed to close channel")
	}

	if readErr != nil {
		return "", errors.WithContext(readErr, "read output")
	}

	var status int
	if waitErr != nil {
		var exitErr exitStatuser
		if !errors.As(waitErr, &exitErr) {
			return "", errors.WithContext(waitErr, "wait")
		}
		status = exitErr.ExitStatus()
	}

	if status != 0 || errBuf.Len() != 0 {
		return outBuf.String(), errors.RemoteCommandError{
			Stderr:     errBuf.String(),
			ExitStatus: status,
		}
	}
	return outBuf.String(), nil
}
