// Package delivery implements the local destinations fetched messages are
// handed to: a Maildir written directly, or an external MDA command.
package delivery

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	errdef "github.com/Own-Data-Privateer/hoardy-mail/internal/errors"
	"github.com/Own-Data-Privateer/hoardy-mail/interfaces"
	"github.com/Own-Data-Privateer/hoardy-mail/internal/logger"
)

// Maildir delivers messages into a Maildir directory tree. Each batch is
// written to tmp/ first, fsynced in one deferred pass, then renamed into new/
// under an exclusive lock on the new/ directory.
type Maildir struct {
	log logger.Logger

	dir      string
	pid      string
	hostname string

	// fsyncDir and flockDir wrap the raw syscalls; tests replace them,
	// since a real directory-fsync failure cannot be provoked on demand
	fsyncDir func(fd int) error
	flockDir func(fd int, how int) error
}

func NewMaildir(dir string, log logger.Logger) *Maildir {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	return &Maildir{
		log:      log,
		dir:      expandHome(dir),
		pid:      strconv.Itoa(os.Getpid()),
		hostname: hostname,
		fsyncDir: unix.Fsync,
		flockDir: unix.Flock,
	}
}

func (m *Maildir) Describe() string {
	return "--maildir " + m.dir
}

func expandHome(path string) string {
	if path == "~" || (len(path) >= 2 && path[0] == '~' && path[1] == '/') {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

type pendingMessage struct {
	uid     []byte
	hash    string
	size    string
	tmpPath string
	file    *os.File
}

// DeliverBatch writes the batch into the Maildir. A message counts as
// delivered only after its file is fsynced and renamed into new/ and the
// directory inode itself is synced; if the final directory sync fails the
// whole batch is reported as failed, since none of the renames are known to
// have reached the disk.
func (m *Maildir) DeliverBatch(msgs []interfaces.Message) ([][]byte, [][]byte, error) {
	for _, sub := range []string{"tmp", "new", "cur"} {
		if err := os.MkdirAll(filepath.Join(m.dir, sub), 0o700); err != nil {
			return nil, nil, errdef.Catastrophicf("failed to create `--maildir %s`: %v", m.dir, err).WithCause(err)
		}
	}

	epochMs := strconv.FormatInt(time.Now().UnixMilli(), 10)
	tmpNum := 0

	var delivered, failed [][]byte
	var unsynced []pendingMessage

	for _, msg := range msgs {
		sum := sha256.New()
		sum.Write(msg.Header)
		sum.Write(msg.Body)
		hash := hex.EncodeToString(sum.Sum(nil))
		size := strconv.Itoa(len(msg.Header) + len(msg.Body))

		var file *os.File
		var tmpPath string
		var err error
		for {
			tmpPath = filepath.Join(m.dir, "tmp",
				fmt.Sprintf("IAP_%s_%s_%d.%s,S=%s.part", m.pid, epochMs, tmpNum, m.hostname, size))
			tmpNum++
			file, err = os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
			if err == nil || !errors.Is(err, fs.ErrExist) {
				break
			}
		}
		if err != nil {
			m.log.Errorf("failed to create %s: %v", tmpPath, err)
			failed = append(failed, msg.UID)
			continue
		}

		if err := writeAll(file, msg.Header, msg.Body); err != nil {
			m.log.Errorf("failed to write %s: %v", tmpPath, err)
			_ = file.Close()
			_ = os.Remove(tmpPath)
			failed = append(failed, msg.UID)
			continue
		}

		unsynced = append(unsynced, pendingMessage{
			uid: msg.UID, hash: hash, size: size, tmpPath: tmpPath, file: file,
		})
	}

	// fsyncs are deferred to the end of the batch so that the target
	// filesystem can batch its disk writes too
	var synced []pendingMessage
	for _, p := range unsynced {
		err := p.file.Sync()
		if cerr := p.file.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			m.log.Errorf("failed to sync %s: %v", p.tmpPath, err)
			_ = os.Remove(p.tmpPath)
			failed = append(failed, p.uid)
			continue
		}
		synced = append(synced, p)
	}

	newDir := filepath.Join(m.dir, "new")
	dirfd, err := unix.Open(newDir, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err == nil {
		if lerr := m.flockDir(dirfd, unix.LOCK_EX); lerr != nil {
			_ = unix.Close(dirfd)
			err = lerr
		}
	}
	if err != nil {
		for _, p := range synced {
			_ = os.Remove(p.tmpPath)
			failed = append(failed, p.uid)
		}
		return delivered, failed, errors.Wrapf(err, "failed to lock `--maildir %s`", m.dir)
	}

	for _, p := range synced {
		msgNum := 0
		var msgPath string
		for {
			msgPath = filepath.Join(newDir,
				fmt.Sprintf("IAH_%s_%d.%s,S=%s", p.hash, msgNum, m.hostname, p.size))
			msgNum++
			if _, serr := os.Lstat(msgPath); serr != nil {
				break
			}
		}
		if rerr := os.Rename(p.tmpPath, msgPath); rerr != nil {
			m.log.Errorf("failed to rename %s: %v", p.tmpPath, rerr)
			_ = os.Remove(p.tmpPath)
			failed = append(failed, p.uid)
			continue
		}
		delivered = append(delivered, p.uid)
	}

	err = m.fsyncDir(dirfd)
	if err == nil {
		err = m.flockDir(dirfd, unix.LOCK_UN)
	}
	if cerr := unix.Close(dirfd); err == nil {
		err = cerr
	}
	if err != nil {
		failed = append(failed, delivered...)
		delivered = nil
		return delivered, failed, errors.Wrapf(err, "failed to sync `--maildir %s`", m.dir)
	}

	return delivered, failed, nil
}

func writeAll(f *os.File, pieces ...[]byte) error {
	for _, piece := range pieces {
		if _, err := f.Write(piece); err != nil {
			return err
		}
	}
	return nil
}
