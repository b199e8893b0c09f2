package publish

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// ProgressFunc receives human-readable progress messages. It's always called
// from a single goroutine, in the order the messages were produced.
type ProgressFunc func(msg string)

// reporter serializes progress messages from the publish workers onto a
// single consumer goroutine.
type reporter struct {
	msgs chan string
	done chan struct{}
	log  log.FieldLogger
}

func newReporter(fn ProgressFunc, logger log.FieldLogger) *reporter {
	r := &reporter{
		msgs: make(chan string, 256),
		done: make(chan struct{}),
		log:  logger,
	}

	go func() {
		defer close(r.done)
		for msg := range r.msgs {
			if fn != nil {
				fn(msg)
			}
		}
	}()
	return r
}

func (r *reporter) Printf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	r.log.Debug(msg)
	r.msgs <- msg
}

// Close flushes the pending messages. The reporter must not be used after
// it's closed.
func (r *reporter) Close() {
	close(r.msgs)
	<-r.done
}
