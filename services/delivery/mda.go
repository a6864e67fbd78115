package delivery

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/Own-Data-Privateer/hoardy-mail/interfaces"
	"github.com/Own-Data-Privateer/hoardy-mail/internal/logger"
)

// MDA delivers each message by spawning a shell command and feeding the raw
// message to its stdin. A message counts as delivered only when the whole
// message was flushed and the command exited with status 0.
type MDA struct {
	log     logger.Logger
	command string
}

func NewMDA(command string, log logger.Logger) *MDA {
	return &MDA{log: log, command: command}
}

func (m *MDA) Describe() string {
	return "--mda " + m.command
}

func (m *MDA) DeliverBatch(msgs []interfaces.Message) ([][]byte, [][]byte, error) {
	var delivered, failed [][]byte
	for _, msg := range msgs {
		if m.deliverOne(msg) {
			delivered = append(delivered, msg.UID)
		} else {
			failed = append(failed, msg.UID)
		}
	}
	return delivered, failed, nil
}

func (m *MDA) deliverOne(msg interfaces.Message) bool {
	cmd := exec.Command("/bin/sh", "-c", m.command)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		m.log.Errorf("failed to spawn `--mda %s`: %v", m.command, err)
		return false
	}
	if err := cmd.Start(); err != nil {
		m.log.Errorf("failed to spawn `--mda %s`: %v", m.command, err)
		return false
	}

	flushed := false
	werr := writePipe(stdin, msg.Header, msg.Body)
	if cerr := stdin.Close(); werr == nil {
		werr = cerr
	}
	switch {
	case werr == nil:
		flushed = true
	case errors.Is(werr, syscall.EPIPE):
		// the command closed its stdin early; its exit code decides
	default:
		m.log.Errorf("failed to write to `stdin` of `--mda %s`: %v", m.command, werr)
	}

	waitErr := cmd.Wait()
	switch {
	case waitErr != nil:
		m.log.Warnf("`--mda %s` finished with exit code `%d`", m.command, cmd.ProcessState.ExitCode())
		return false
	case !flushed:
		m.log.Warnf("failed to `flush` to `stdin` of `--mda %s`", m.command)
		return false
	}
	return true
}

func writePipe(w io.Writer, pieces ...[]byte) error {
	for _, piece := range pieces {
		if _, err := w.Write(piece); err != nil {
			return err
		}
	}
	return nil
}
