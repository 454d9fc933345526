package analysis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/3leaps/gocluster/pkg/record"
)

// FASTAPlaceholder in a tool argument is replaced by the path of a
// temporary FASTA file holding the record. Without it the record is written
// to the tool's stdin.
const FASTAPlaceholder = "{fasta}"

// killDelay bounds how long a cancelled tool may keep its pipes open.
const killDelay = 2 * time.Second

// maxStderr is the amount of stderr kept for error messages.
const maxStderr = 4096

// Tool is an external executable invoked once per record.
type Tool struct {
	Executable string
	Args       []string
	Env        []string
}

// Run executes the tool on rec and returns its stdout.
//
// The tool runs in its own process group; when ctx is done the whole group
// is killed.
func (tl Tool) Run(ctx context.Context, rec *record.Record) ([]byte, error) {
	var fasta bytes.Buffer
	if err := record.WriteFASTA(&fasta, []*record.Record{rec}, 80); err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}

	args := make([]string, len(tl.Args))
	copy(args, tl.Args)

	var stdin io.Reader = &fasta
	if hasPlaceholder(args) {
		dir, err := os.MkdirTemp("", "gocluster-tool-")
		if err != nil {
			return nil, fmt.Errorf("create temp dir: %w", err)
		}
		defer func() { _ = os.RemoveAll(dir) }()

		path := filepath.Join(dir, "record.fasta")
		if err := os.WriteFile(path, fasta.Bytes(), 0o600); err != nil {
			return nil, fmt.Errorf("write temp fasta: %w", err)
		}
		for i, a := range args {
			args[i] = strings.ReplaceAll(a, FASTAPlaceholder, path)
		}
		stdin = nil
	}

	cmd := exec.CommandContext(ctx, tl.Executable, args...)
	configureCommandProcess(cmd)
	cmd.Cancel = func() error {
		terminateCommandProcess(cmd)
		return nil
	}
	cmd.WaitDelay = killDelay
	if len(tl.Env) > 0 {
		cmd.Env = append(os.Environ(), tl.Env...)
	}
	if stdin != nil {
		cmd.Stdin = stdin
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > maxStderr {
			msg = msg[:maxStderr]
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%w: %s exited with code %d: %s", ErrToolFailed, filepath.Base(tl.Executable), exitErr.ExitCode(), msg)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrToolFailed, filepath.Base(tl.Executable), err)
	}
	return stdout.Bytes(), nil
}

func hasPlaceholder(args []string) bool {
	for _, a := range args {
		if strings.Contains(a, FASTAPlaceholder) {
			return true
		}
	}
	return false
}
