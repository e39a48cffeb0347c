package probe

import (
	"context"
	"strings"
	"sync"

	"wifisurvey/internal/execx"
)

type scripted struct {
	res execx.Result
	err error
}

// scriptRunner answers commands by exact command line and records every
// call. Unknown commands fail as if the binary were missing.
type scriptRunner struct {
	mu      sync.Mutex
	scripts map[string][]scripted
	calls   []string
}

func newScriptRunner() *scriptRunner {
	return &scriptRunner{scripts: map[string][]scripted{}}
}

// on queues a response for cmdline. Queued responses are consumed in order;
// the last one repeats.
func (r *scriptRunner) on(cmdline string, stdout string, err error) *scriptRunner {
	code := 0
	if err != nil {
		code = 1
	}
	r.scripts[cmdline] = append(r.scripts[cmdline], scripted{
		res: execx.Result{Stdout: stdout, ExitCode: code},
		err: err,
	})
	return r
}

func (r *scriptRunner) Run(_ context.Context, name string, args ...string) (execx.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	line := strings.TrimSpace(name + " " + strings.Join(args, " "))
	r.calls = append(r.calls, line)
	queue, ok := r.scripts[line]
	if !ok || len(queue) == 0 {
		return execx.Result{ExitCode: -1}, &execx.ExitError{Name: name, ExitCode: 127, Stderr: "not found"}
	}
	next := queue[0]
	if len(queue) > 1 {
		r.scripts[line] = queue[1:]
	}
	return next.res, next.err
}

func (r *scriptRunner) called() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

var _ execx.Runner = (*scriptRunner)(nil)
