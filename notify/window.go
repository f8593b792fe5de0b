package notify

import (
	"context"
	"os/exec"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// WindowOpener opens a client window (a browser tab) at a URL.
type WindowOpener interface {
	OpenWindow(ctx context.Context, url string) error
}

// CommandOpener opens windows by running a command with the URL as its last
// argument, e.g. `xdg-open` or `open`. Without a command it only logs.
type CommandOpener struct {
	Command []string
	Logger  *zerolog.Logger

	mutex  sync.Mutex
	opened []string
}

func (o *CommandOpener) OpenWindow(ctx context.Context, url string) error {
	logger := o.Logger
	if logger == nil {
		logger = &log.Logger
	}
	o.mutex.Lock()
	o.opened = append(o.opened, url)
	o.mutex.Unlock()

	if len(o.Command) == 0 {
		logger.Info().Str("url", url).Msg("Opening window")
		return nil
	}
	args := append(append([]string{}, o.Command[1:]...), url)
	logger.Debug().Str("url", url).Strs("command", o.Command).Msg("Opening window")
	return exec.CommandContext(ctx, o.Command[0], args...).Run()
}

// Opened returns the URLs opened so far.
func (o *CommandOpener) Opened() []string {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return append([]string{}, o.opened...)
}
