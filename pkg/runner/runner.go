package runner

import (
	"bytes"
	"context"
	"io"
	"os"

	"github.com/dimiro1/banner"
	"github.com/mattn/go-isatty"
)

type State int

const (
	StateNew State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

type Runner interface {
	Run(ctx context.Context) error
	Stop() error
	State() State
}

type Hooks struct {
	OnStart func()
	// OnStop receives the drain result, nil on a clean drain.
	OnStop func(drainErr error)
}

type Drainer interface {
	Drain() error
}

// Version is set at build time with -ldflags "-X .../runner.Version=...".
var Version = "dev"

// PrintBanner writes the startup banner to w. Colors are used only when w is
// a terminal.
func PrintBanner(w io.Writer) {
	if w == nil {
		return
	}
	color := false
	if f, ok := w.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	tpl := "{{ .Title \"SCRIBEHUB\" \"\" 0 }}\nVersion: " + Version + "\n"
	banner.Init(w, true, color, bytes.NewBufferString(tpl))
}
