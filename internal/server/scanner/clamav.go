package scanner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/dutchcoders/go-clamd"
)

// clamdClient is the part of *clamd.Clamd the daemon engine uses.
type clamdClient interface {
	Ping() error
	ScanStream(r io.Reader, abort chan bool) (chan *clamd.ScanResult, error)
}

// DaemonEngine streams files to clamd over INSTREAM.
type DaemonEngine struct {
	client      clamdClient
	streamLimit int64
}

// NewDaemonEngine connects to clamd at address ("tcp://host:3310" or a unix socket path).
// Files larger than streamLimit are reported as unsupported, since clamd
// rejects streams above its StreamMaxLength.
func NewDaemonEngine(address string, streamLimit int64) *DaemonEngine {
	return &DaemonEngine{client: clamd.NewClamd(address), streamLimit: streamLimit}
}

func (e *DaemonEngine) Name() string { return "clamd" }

func (e *DaemonEngine) Ping(ctx context.Context) error {
	if err := e.client.Ping(); err != nil {
		return fmt.Errorf("clamd ping: %w", err)
	}
	return nil
}

func (e *DaemonEngine) Scan(ctx context.Context, path string) Result {
	f, err := os.Open(path)
	if err != nil {
		return Result{Status: StatusError, Detail: fmt.Sprintf("open: %v", err)}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Result{Status: StatusError, Detail: fmt.Sprintf("stat: %v", err)}
	}
	if e.streamLimit > 0 && info.Size() > e.streamLimit {
		return Result{
			Status: StatusUnsupported,
			Detail: fmt.Sprintf("%d bytes exceeds stream limit of %d", info.Size(), e.streamLimit),
		}
	}

	// Closing abort releases the client's connection watcher.
	abort := make(chan bool)
	defer close(abort)

	results, err := e.client.ScanStream(f, abort)
	if err != nil {
		return Result{Status: StatusError, Detail: fmt.Sprintf("stream: %v", err)}
	}

	verdict := Result{Status: StatusError, Detail: "clamd returned no result"}
	for {
		select {
		case <-ctx.Done():
			return Result{Status: StatusError, Detail: ctx.Err().Error()}
		case r, ok := <-results:
			if !ok {
				return verdict
			}
			switch r.Status {
			case clamd.RES_OK:
				verdict = Result{Status: StatusClean}
			case clamd.RES_FOUND:
				return Result{Status: StatusInfected, Threat: r.Description}
			default:
				verdict = Result{Status: StatusError, Detail: strings.TrimSpace(r.Status + " " + r.Description)}
			}
		}
	}
}

// CommandEngine shells out to the clamscan binary.
// Exit status 0 means clean, 1 infected, anything else an error.
type CommandEngine struct {
	path string
}

// NewCommandEngine uses the clamscan binary at path (looked up in PATH if bare).
func NewCommandEngine(path string) *CommandEngine {
	return &CommandEngine{path: path}
}

func (e *CommandEngine) Name() string { return "clamscan" }

func (e *CommandEngine) Ping(ctx context.Context) error {
	if _, err := exec.LookPath(e.path); err != nil {
		return fmt.Errorf("clamscan unavailable: %w", err)
	}
	return nil
}

func (e *CommandEngine) Scan(ctx context.Context, path string) Result {
	cmd := exec.CommandContext(ctx, e.path, "--no-summary", path)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return Result{Status: StatusClean}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return Result{Status: StatusInfected, Threat: parseThreat(stdout.String())}
	}

	detail := strings.TrimSpace(stderr.String())
	if detail == "" {
		detail = err.Error()
	}
	return Result{Status: StatusError, Detail: detail}
}

// parseThreat extracts the signature name from a "path: Name FOUND" line.
func parseThreat(output string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasSuffix(line, " FOUND") {
			continue
		}
		line = strings.TrimSuffix(line, " FOUND")
		if i := strings.LastIndex(line, ": "); i >= 0 {
			return line[i+2:]
		}
		return line
	}
	return "unknown"
}
