// Package stdio implements the stdio proxy (C6): it supervises a child
// MCP server process, forwards its stdin/stdout/stderr streams to/from
// the host, and interposes classification, recording, and Hub telemetry
// on the way.
package stdio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/reticlehq/reticle/internal/adapter/outbound/childproc"
	"github.com/reticlehq/reticle/internal/adapter/outbound/hub"
	"github.com/reticlehq/reticle/internal/domain/protocol"
	"github.com/reticlehq/reticle/internal/domain/recorder"
	"github.com/reticlehq/reticle/internal/domain/tokencount"
)

// Sink is where the proxy emits LogEntries. Implementations must never
// block the forwarding fast path; the Hub bridge adapter satisfies this
// by being fail-open internally.
type Sink interface {
	EmitLog(hub.LogEvent)
}

// Proxy drives the C6 cooperative scheduling loop for one stdio session.
type Proxy struct {
	Command    string
	Args       []string
	SessionID  string
	SessionName string
	ServerName string

	Sink     Sink       // optional; nil disables telemetry
	Recorder *recorder.Recorder // optional; nil disables recording
	Inject   <-chan hub.InjectMessageEvent // optional

	Logger *slog.Logger
}

// Run launches the child, pumps all four channels, and returns the child's
// exit code once the child exits, once child stdout, child stderr and
// hostIn have all closed, or once a write to the child's stdin fails.
// EOF on hostIn alone does not end the run, and the child's stdin is not
// closed when hostIn ends.
func (p *Proxy) Run(ctx context.Context, hostIn io.Reader, hostOut, hostErrOut io.Writer) (int, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	proc := childproc.New(p.Command, p.Args...)
	childStdin, childStdout, childStderr, err := proc.Start(ctx)
	if err != nil {
		return 1, fmt.Errorf("%w: %v", protocol.ErrChildSpawnFailed, err)
	}
	defer proc.Close()

	stdoutCh := readLines(childStdout, logger, "child-stdout")
	stderrCh := readLines(childStderr, logger, "child-stderr")
	stdinCh := readLines(hostIn, logger, "host-stdin")

	childDone := make(chan struct{})
	var childWaitErr error
	go func() {
		childWaitErr = proc.Wait()
		close(childDone)
	}()

	var injectCh <-chan hub.InjectMessageEvent
	if p.Inject != nil {
		injectCh = p.Inject
	}

	for {
		// Bias toward child I/O: drain anything already available from
		// the child before considering host stdin or Hub injection, so
		// injected traffic cannot starve the forward path under load. A
		// channel set to nil here is permanently removed from every
		// subsequent select (a nil channel blocks forever, which is
		// exactly "never selects again").
		select {
		case res, ok := <-stdoutCh:
			if !ok || res.err != nil {
				stdoutCh = nil
			} else {
				p.handleChildStdout(res.line, hostOut, logger)
			}
			continue
		default:
		}
		select {
		case res, ok := <-stderrCh:
			if !ok || res.err != nil {
				stderrCh = nil
			} else {
				p.handleChildStderr(res.line, hostErrOut, logger)
			}
			continue
		default:
		}

		select {
		case res, ok := <-stdoutCh:
			if !ok || res.err != nil {
				stdoutCh = nil
				continue
			}
			p.handleChildStdout(res.line, hostOut, logger)

		case res, ok := <-stderrCh:
			if !ok || res.err != nil {
				stderrCh = nil
				continue
			}
			p.handleChildStderr(res.line, hostErrOut, logger)

		case res, ok := <-stdinCh:
			if !ok || res.err != nil {
				stdinCh = nil
				continue
			}
			if err := p.handleHostStdin(res.line, childStdin, logger); err != nil {
				return p.finish(proc, childDone, logger)
			}

		case evt, ok := <-injectCh:
			if !ok {
				injectCh = nil
				continue
			}
			p.handleInject(evt, childStdin, logger)

		case <-childDone:
			logger.Debug("stdio proxy: child exited", "error", childWaitErr)
			return p.finish(proc, childDone, logger)
		}

		if stdoutCh == nil && stderrCh == nil && stdinCh == nil {
			return p.finish(proc, childDone, logger)
		}
	}
}

// finish waits for the child to fully exit (it may already have) and
// returns its exit code. Session-lifecycle events (session_ended) are the
// caller's responsibility, since Sink only carries per-message telemetry.
func (p *Proxy) finish(proc *childproc.Process, childDone <-chan struct{}, logger *slog.Logger) (int, error) {
	select {
	case <-childDone:
	case <-time.After(2 * time.Second):
		// The child has not exited on its own; force it down. Close also
		// drops the process handle, so ExitCode then reports 0.
		_ = proc.Close()
		<-childDone
	}
	return proc.ExitCode(), nil
}

func (p *Proxy) handleChildStdout(line []byte, hostOut io.Writer, logger *slog.Logger) {
	c := protocol.Classify(line)
	p.emit(c, protocol.Out, false, false)
	p.offerToRecorder(c, protocol.Out, false, false)

	if _, err := hostOut.Write(append(append([]byte(nil), line...), '\n')); err != nil {
		logger.Debug("stdio proxy: write to host stdout failed", "error", err)
	}
}

func (p *Proxy) handleChildStderr(line []byte, hostErrOut io.Writer, logger *slog.Logger) {
	entry := hub.LogEvent{
		ID:          protocol.NextLogID("stderr"),
		SessionID:   p.SessionID,
		Timestamp:   protocol.NowMicros(),
		Direction:   protocol.Out.String(),
		Content:     string(line),
		ServerName:  p.ServerName,
		MessageType: protocol.Stderr.String(),
		TokenCount:  tokencount.EstimateTokens(string(line)),
	}
	if p.Sink != nil {
		p.Sink.EmitLog(entry)
	}
	if _, err := hostErrOut.Write(append(append([]byte(nil), line...), '\n')); err != nil {
		logger.Debug("stdio proxy: write to host stderr failed", "error", err)
	}
}

func (p *Proxy) handleHostStdin(line []byte, childStdin io.Writer, logger *slog.Logger) error {
	c := protocol.Classify(line)
	p.emit(c, protocol.In, false, false)
	p.offerToRecorder(c, protocol.In, false, false)

	if _, err := childStdin.Write(append(append([]byte(nil), line...), '\n')); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrChildIO, err)
	}
	return nil
}

func (p *Proxy) handleInject(evt hub.InjectMessageEvent, childStdin io.Writer, logger *slog.Logger) {
	line := []byte(evt.Message)
	c := protocol.Classify(line)
	p.emit(c, protocol.In, true, false)
	p.offerToRecorder(c, protocol.In, true, false)

	if _, err := childStdin.Write(append(append([]byte(nil), line...), '\n')); err != nil {
		logger.Debug("stdio proxy: inject write to child failed", "error", err)
	}
}

func (p *Proxy) emit(c protocol.Classified, dir protocol.Direction, injected, modified bool) {
	if p.Sink == nil {
		return
	}
	entry := hub.LogEvent{
		ID:          protocol.NextLogID(channelTag(dir, injected)),
		SessionID:   p.SessionID,
		Timestamp:   protocol.NowMicros(),
		Direction:   dir.String(),
		Content:     c.Canonical,
		Method:      c.Method,
		ServerName:  p.ServerName,
		MessageType: c.Type.String(),
		TokenCount:  tokencount.CountMCPContextTokens([]byte(c.Canonical)),
	}
	p.Sink.EmitLog(entry)
}

func (p *Proxy) offerToRecorder(c protocol.Classified, dir protocol.Direction, injected, modified bool) {
	if p.Recorder == nil {
		return
	}
	content := c.Canonical
	if c.Type != protocol.JsonRpc {
		encoded, err := json.Marshal(content)
		if err != nil {
			return
		}
		content = string(encoded)
	}
	_ = p.Recorder.RecordMessage(json.RawMessage(content), dir, protocol.NowMicros(), injected, modified)
}

func channelTag(dir protocol.Direction, injected bool) string {
	if injected {
		return "inject"
	}
	return dir.String()
}
