// Package notify spawns the desktop notification helper and user hook
// commands. Child failures never fail a cycle; they are logged and dropped.
package notify

import (
	"os"
	"os/exec"

	"github.com/Own-Data-Privateer/hoardy-mail/internal/logger"
)

// Desktop sends notifications through a notify-send compatible helper.
type Desktop struct {
	log    logger.Logger
	helper string
}

func NewDesktop(helper string, log logger.Logger) *Desktop {
	return &Desktop{log: log, helper: helper}
}

func (d *Desktop) Notify(category string, title string, body string) {
	cmd := exec.Command(d.helper, "-a", "hoardy-mail", "-i", category, "--", title, body)
	if err := cmd.Start(); err != nil {
		d.log.Warnf("ignored: failed to run `%s`: %v", d.helper, err)
		return
	}
	_ = cmd.Wait()
}

// RunHook spawns a shell command and waits for it. The exit status is not
// inspected; only a failure to spawn is logged.
func RunHook(command string, log logger.Logger) {
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		log.Warnf("ignored: failed to run `%s`: %v", command, err)
		return
	}
	_ = cmd.Wait()
}

// RunHookStdin spawns a shell command and feeds data to its stdin.
func RunHookStdin(command string, data []byte, log logger.Logger) {
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		log.Warnf("ignored: failed to run `%s`: %v", command, err)
		return
	}
	if err := cmd.Start(); err != nil {
		log.Warnf("ignored: failed to run `%s`: %v", command, err)
		return
	}
	if _, err := stdin.Write(data); err != nil {
		log.Warnf("ignored: failed to write to `stdin` of `%s`: %v", command, err)
	}
	_ = stdin.Close()
	_ = cmd.Wait()
}
