package process

import (
	"io"
	"os"

	"github.com/kestrelvm/kestrel/internal/hvconfig"
	"github.com/kestrelvm/kestrel/internal/hyperr"
)

// resolveStdio opens whatever backs a StdioDisposition and returns the
// writer to hand to exec.Cmd plus a closer to run during Cleanup. fallback
// is the parent's own stream, used for StdioInherit.
func resolveStdio(d hvconfig.StdioDisposition, fallback *os.File) (io.Writer, io.Closer, error) {
	switch d.Kind {
	case hvconfig.StdioInherit:
		return fallback, nil, nil

	case hvconfig.StdioNull:
		f, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			return nil, nil, hyperr.Wrap(hyperr.KindLaunch, err, "open null device")
		}
		return f, f, nil

	case hvconfig.StdioPiped:
		r, w, err := os.Pipe()
		if err != nil {
			return nil, nil, hyperr.Wrap(hyperr.KindLaunch, err, "create stdio pipe")
		}
		// The write end is handed to the child; the Closer owns both
		// ends and exposes the read end through ReadEnd. Supervisor
		// keeps only the Closer's Close func, so it does not hand the
		// read end out.
		return w, &pipeCloser{r: r, w: w}, nil

	case hvconfig.StdioRedirectToPath:
		f, err := os.OpenFile(d.Path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, hyperr.Wrap(hyperr.KindLaunch, err, "open redirect path %q", d.Path)
		}
		return f, f, nil

	case hvconfig.StdioRedirectToFD:
		f := os.NewFile(uintptr(d.FD), "redirect-fd")
		if f == nil {
			return nil, nil, hyperr.New(hyperr.KindLaunch, "invalid redirect fd %d", d.FD)
		}
		return f, f, nil

	default:
		return nil, nil, hyperr.New(hyperr.KindLaunch, "unknown stdio disposition kind %d", d.Kind)
	}
}

// pipeCloser closes both ends of a piped stdio disposition once the
// child has exited and nothing will read from r again.
type pipeCloser struct {
	r *os.File
	w *os.File
}

func (p *pipeCloser) Close() error {
	werr := p.w.Close()
	rerr := p.r.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

func (p *pipeCloser) ReadEnd() *os.File { return p.r }
