// Package executor runs operator-issued commands on the endpoint and
// captures their output.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

const (
	// DefaultTimeout bounds command execution when the caller does not.
	DefaultTimeout = 30 * time.Second

	// MaxOutputBytes caps each captured stream. Results travel in a
	// single wire frame, so the combined output must stay well below
	// the frame size cap.
	MaxOutputBytes = 1 << 20
)

// Run executes a command through the platform shell and returns its
// decoded stdout and stderr. Run never fails: execution errors come
// back as stderr text, and a timeout forcibly terminates the process
// group and appends a marker to stderr.
func Run(ctx context.Context, command string, timeout time.Duration) (string, string) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := shellCommand(ctx, command)

	stdout := &limitedBuffer{limit: MaxOutputBytes}
	stderr := &limitedBuffer{limit: MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	// If the group kill misses a grandchild that inherited the output
	// pipes, give up waiting instead of hanging the serve loop.
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()

	out := decodeOutput(stdout.Bytes())
	errOut := decodeOutput(stderr.Bytes())

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		errOut += fmt.Sprintf("\n[Command timed out after %d seconds]", int(timeout/time.Second))
		return out, errOut
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil, errors.As(err, &exitErr), errors.Is(err, exec.ErrWaitDelay):
		// A non-zero exit is a result, not a failure; the command's
		// own stderr says what went wrong.
		return out, errOut
	default:
		// The command never ran.
		return "", "Error executing command: " + err.Error()
	}
}

// decodeOutput converts raw output bytes to a UTF-8 string. Endpoint
// shells are not guaranteed to emit UTF-8; Windows consoles in
// particular produce cp1252. The chain tries UTF-8, then cp1252, then
// latin-1, then falls back to replacement runes.
func decodeOutput(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	if utf8.Valid(data) {
		return string(data)
	}
	if cp1252Defined(data) {
		if out, err := charmap.Windows1252.NewDecoder().Bytes(data); err == nil {
			return string(out)
		}
	}
	if out, err := charmap.ISO8859_1.NewDecoder().Bytes(data); err == nil {
		return string(out)
	}
	return strings.ToValidUTF8(string(data), string(utf8.RuneError))
}

// cp1252Defined reports whether every byte maps to a cp1252 character.
// Five positions in the 0x80-0x9F block are unassigned; data containing
// them reads better as latin-1.
func cp1252Defined(data []byte) bool {
	for _, b := range data {
		switch b {
		case 0x81, 0x8d, 0x8f, 0x90, 0x9d:
			return false
		}
	}
	return true
}

// limitedBuffer keeps the first limit bytes written and silently drops
// the rest. The writer side never sees an error, so a chatty command
// runs to completion instead of dying on a broken pipe.
type limitedBuffer struct {
	limit int
	buf   bytes.Buffer
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if remaining := b.limit - b.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			b.buf.Write(p[:remaining])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) Bytes() []byte { return b.buf.Bytes() }
