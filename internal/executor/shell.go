package executor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/kballard/go-shellquote"

	"supertask/internal/errors"
)

type shellStep struct {
	tail int
}

// run splits the target like a POSIX shell would, appends Args, and runs the
// command without a shell.
func (s *shellStep) run(ctx context.Context, inv Invocation) error {
	words, err := shellquote.Split(inv.Step.Target)
	if err != nil {
		return errors.Wrapf(err, "parse command %q", inv.Step.Target)
	}
	if len(words) == 0 {
		return errors.New("empty command")
	}
	for _, a := range inv.Step.Args {
		words = append(words, fmt.Sprint(a))
	}

	out := &tailBuffer{limit: s.tail}
	cmd := exec.CommandContext(ctx, words[0], words[1:]...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Env = append(cmd.Environ(),
		"SUPERTASK_NAMESPACE="+inv.Job.Namespace,
		"SUPERTASK_JOB_ID="+inv.Job.ID,
		"SUPERTASK_FIRED_AT="+inv.FiredAt.UTC().Format("2006-01-02T15:04:05Z"),
	)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return errors.Wrapf(ctx.Err(), "%s", words[0])
		}
		if tail := strings.TrimSpace(out.String()); tail != "" {
			return errors.WithDetail(errors.Wrapf(err, "%s: %s", words[0], tail), tail)
		}
		return errors.Wrapf(err, "%s", words[0])
	}
	return nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(p)
	b.buf.Write(p)
	if over := b.buf.Len() - b.limit; b.limit > 0 && over > 0 {
		b.buf.Next(over)
	}
	return n, nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
