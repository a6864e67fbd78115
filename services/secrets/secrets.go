// Package secrets yields account passwords from the supported sources: a
// password file, a password command, or an interactive pinentry dialogue.
package secrets

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/pkg/errors"

	errdef "github.com/Own-Data-Privateer/hoardy-mail/internal/errors"
)

// trimEOL strips one trailing LF and then one trailing CR, so both Unix and
// DOS line endings disappear without touching an embedded newline.
func trimEOL(s string) string {
	s = strings.TrimSuffix(s, "\n")
	s = strings.TrimSuffix(s, "\r")
	return s
}

// File yields the first line of a file as the password.
type File struct {
	Path string
}

func (f File) Secret() (string, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read `--passfile %s`", f.Path)
	}
	defer file.Close()

	line, err := bufio.NewReader(file).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", errors.Wrapf(err, "failed to read `--passfile %s`", f.Path)
	}
	return trimEOL(line), nil
}

// Command yields the first stdout line of a shell command as the password.
// A non-zero exit is catastrophic: a misconfigured password store must not
// silently become an empty password.
type Command struct {
	Command string
}

func (c Command) Secret() (string, error) {
	cmd := exec.Command("/bin/sh", "-c", c.Command)
	cmd.Stderr = os.Stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", errors.Wrapf(err, "failed to run `--passcmd %s`", c.Command)
	}
	if err := cmd.Start(); err != nil {
		return "", errors.Wrapf(err, "failed to run `--passcmd %s`", c.Command)
	}

	reader := bufio.NewReader(stdout)
	line, rerr := reader.ReadString('\n')
	if rerr != nil && rerr != io.EOF {
		_ = cmd.Wait()
		return "", errors.Wrapf(rerr, "failed to read from `--passcmd %s`", c.Command)
	}
	_, _ = io.Copy(io.Discard, reader)

	if err := cmd.Wait(); err != nil {
		return "", errdef.Catastrophicf("`--passcmd` (`%s`) failed with non-zero exit code %d",
			c.Command, cmd.ProcessState.ExitCode()).WithCause(err)
	}
	return trimEOL(line), nil
}

// Pinentry asks for the password through an Assuan pinentry dialogue.
type Pinentry struct {
	Description string
	Prompt      string

	// Binary overrides the helper name, for tests.
	Binary string
}

func (p Pinentry) Secret() (string, error) {
	binary := p.Binary
	if binary == "" {
		binary = "pinentry"
	}

	cmd := exec.Command(binary)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", errors.Wrapf(err, "failed to run `%s`", binary)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", errors.Wrapf(err, "failed to run `%s`", binary)
	}
	if err := cmd.Start(); err != nil {
		return "", errors.Wrapf(err, "failed to run `%s`", binary)
	}
	defer func() {
		_ = stdin.Close()
		_ = cmd.Wait()
	}()

	reader := bufio.NewReader(stdout)
	if _, err := expectOK(reader); err != nil {
		return "", err
	}

	for _, line := range []string{
		"SETDESC " + assuanEscape(p.Description),
		"SETPROMPT " + assuanEscape(p.Prompt),
	} {
		if _, err := fmt.Fprintf(stdin, "%s\n", line); err != nil {
			return "", errors.Wrap(err, "pinentry")
		}
		if _, err := expectOK(reader); err != nil {
			return "", err
		}
	}

	if _, err := fmt.Fprintf(stdin, "GETPIN\n"); err != nil {
		return "", errors.Wrap(err, "pinentry")
	}

	var pin string
	for {
		line, err := readLine(reader)
		if err != nil {
			return "", errors.Wrap(err, "pinentry")
		}
		switch {
		case strings.HasPrefix(line, "D "):
			pin = assuanUnescape(line[2:])
		case strings.HasPrefix(line, "OK"):
			_, _ = fmt.Fprintf(stdin, "BYE\n")
			return pin, nil
		case strings.HasPrefix(line, "ERR"):
			return "", errors.Errorf("pinentry: %s", line)
		}
	}
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return trimEOL(line), nil
}

func expectOK(r *bufio.Reader) (string, error) {
	for {
		line, err := readLine(r)
		if err != nil {
			return "", errors.Wrap(err, "pinentry")
		}
		switch {
		case strings.HasPrefix(line, "OK"):
			return line, nil
		case strings.HasPrefix(line, "ERR"):
			return "", errors.Errorf("pinentry: %s", line)
		case strings.HasPrefix(line, "#"), strings.HasPrefix(line, "S "):
			// status chatter
		default:
			return "", errors.Errorf("pinentry: unexpected response %q", line)
		}
	}
}

func assuanEscape(s string) string {
	replacer := strings.NewReplacer("%", "%25", "\n", "%0A", "\r", "%0D")
	return replacer.Replace(s)
}

func assuanUnescape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			var v int
			if _, err := fmt.Sscanf(s[i+1:i+3], "%02x", &v); err == nil {
				b.WriteByte(byte(v))
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
