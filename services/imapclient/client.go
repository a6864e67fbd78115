package imapclient

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	errdef "github.com/Own-Data-Privateer/hoardy-mail/internal/errors"
	"github.com/Own-Data-Privateer/hoardy-mail/internal/logger"
	"github.com/Own-Data-Privateer/hoardy-mail/internal/models"
	"github.com/Own-Data-Privateer/hoardy-mail/internal/wire"
)

// Client is an authenticated IMAP4rev1 session over a TCP or TLS transport.
// It implements interfaces.IMAPSession.
type Client struct {
	account *models.Account
	log     logger.Logger

	netConn net.Conn
	str     stream
	reader  *bufio.Reader

	timeout time.Duration
	debug   bool
	tagSeq  int

	// AuthMethod names the mechanism that succeeded, for the prelude line.
	AuthMethod string
}

// Connect dials the account's transport, verifies the server speaks
// IMAP4rev1, and authenticates according to the account's policy.
func Connect(account *models.Account, debug bool, log logger.Logger) (*Client, error) {
	addr := net.JoinHostPort(account.Host, strconv.Itoa(account.Port))
	timeout := time.Duration(account.TimeoutSec) * time.Second
	dialer := &net.Dialer{Timeout: timeout}

	tlsConfig := &tls.Config{ServerName: account.Host}

	var conn net.Conn
	var err error
	if account.Socket == models.SocketSSL {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
	} else {
		conn, err = dialer.Dial("tcp", addr)
	}
	if err != nil {
		return nil, errdef.Accountf("failed to connect to host %s port %d: %v",
			account.Host, account.Port, err).WithCause(err)
	}

	c := &Client{
		account: account,
		log:     log,
		netConn: conn,
		timeout: timeout,
		debug:   debug,
	}
	c.setStream(conn)

	if err := c.handshake(tlsConfig); err != nil {
		_ = c.netConn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) setStream(base stream) {
	if c.debug {
		c.str = newTraceStream(base, os.Stderr)
	} else {
		c.str = base
	}
	c.reader = bufio.NewReader(c.str)
}

func (c *Client) handshake(tlsConfig *tls.Config) error {
	greeting, err := c.readLogicalLine()
	if err != nil {
		return errdef.Accountf("failed to read greeting from host %s port %d: %v",
			c.account.Host, c.account.Port, err).WithCause(err)
	}
	text := greeting[0].Text
	if !bytes.HasPrefix(text, []byte("* OK")) && !bytes.HasPrefix(text, []byte("* PREAUTH")) {
		return errdef.Accountf("unexpected greeting from host %s port %d: %q",
			c.account.Host, c.account.Port, text)
	}

	if c.account.Socket == models.SocketStartTLS {
		if err := c.startTLS(tlsConfig); err != nil {
			return err
		}
	}

	capabilities, err := c.Capability()
	if err != nil {
		return err
	}
	if !containsString(capabilities, "IMAP4rev1") {
		return errdef.Accountf("host %s port %d does not speak IMAP4rev1, your IMAP server appears to be too old",
			c.account.Host, c.account.Port)
	}

	return c.authenticate(capabilities)
}

func (c *Client) startTLS(tlsConfig *tls.Config) error {
	res, _, err := c.exec("STARTTLS")
	if err != nil {
		return errdef.Accountf("STARTTLS failed on host %s port %d: %v",
			c.account.Host, c.account.Port, err).WithCause(err)
	}
	if res.status != "OK" {
		return errdef.Accountf("%s", errdef.IMAPError("STARTTLS", res.status, res.text))
	}

	tlsConn := tls.Client(c.netConn, tlsConfig)
	c.setDeadline()
	if err := tlsConn.Handshake(); err != nil {
		return errdef.Accountf("TLS handshake failed on host %s port %d: %v",
			c.account.Host, c.account.Port, err).WithCause(err)
	}
	c.netConn = tlsConn
	c.setStream(tlsConn)
	return nil
}

func (c *Client) authenticate(capabilities []string) error {
	account := c.account
	var status, text, method string
	var err error

	switch {
	case containsString(capabilities, "AUTH=CRAM-MD5"):
		method = "AUTHENTICATE CRAM-MD5"
		status, text, err = c.authCRAMMD5(account.User, account.Password)
	case account.AllowLogin:
		method = "LOGIN PLAIN"
		var res taggedResult
		res, _, err = c.exec("LOGIN " + wire.Quote(account.User) + " " + wire.Quote(account.Password))
		status, text = res.status, res.text
	default:
		return errdef.Accountf("%s", errdef.ErrAuthPolicyFailure.Error())
	}

	if err != nil {
		return errdef.Accountf("failed to login (%s) as %s to host %s port %d: %v",
			method, account.User, account.Host, account.Port, err).WithCause(err)
	}
	if status != "OK" {
		return errdef.Accountf("failed to login (%s) as %s to host %s port %d: %s %q",
			method, account.User, account.Host, account.Port, status, text)
	}
	c.AuthMethod = method
	return nil
}

// authCRAMMD5 runs the challenge/response exchange: the server supplies a
// base64 challenge, the client answers with the quoted username and the
// hex HMAC-MD5 digest of the challenge keyed by the password.
func (c *Client) authCRAMMD5(user, password string) (string, string, error) {
	tag := c.nextTag()
	if err := c.writeLine(tag + " AUTHENTICATE CRAM-MD5"); err != nil {
		return "", "", err
	}

	for {
		chunks, err := c.readLogicalLine()
		if err != nil {
			return "", "", err
		}
		text := chunks[0].Text
		switch {
		case bytes.HasPrefix(text, []byte("+")):
			challenge, err := base64.StdEncoding.DecodeString(
				strings.TrimSpace(strings.TrimPrefix(string(text), "+")))
			if err != nil {
				return "", "", errors.Wrap(err, "malformed CRAM-MD5 challenge")
			}
			mac := hmac.New(md5.New, []byte(password))
			mac.Write(challenge)
			response := wire.Quote(user) + " " + hex.EncodeToString(mac.Sum(nil))
			if err := c.writeLine(base64.StdEncoding.EncodeToString([]byte(response))); err != nil {
				return "", "", err
			}
		case bytes.HasPrefix(text, []byte(tag+" ")):
			status, rest := splitStatus(text[len(tag)+1:])
			return status, rest, nil
		default:
			// untagged noise is legal here
		}
	}
}

func (c *Client) nextTag() string {
	c.tagSeq++
	return fmt.Sprintf("HM%03d", c.tagSeq)
}

func (c *Client) setDeadline() {
	if c.timeout > 0 {
		_ = c.netConn.SetDeadline(time.Now().Add(c.timeout))
	}
}

func (c *Client) writeLine(line string) error {
	c.setDeadline()
	_, err := c.str.Write([]byte(line + "\r\n"))
	return err
}

// readLogicalLine reads one response line, splicing in any literals: while
// the text ends with a {N} marker, N octets follow the CRLF verbatim and the
// textual line continues after them.
func (c *Client) readLogicalLine() ([]wire.Chunk, error) {
	var chunks []wire.Chunk
	for {
		c.setDeadline()
		raw, err := c.reader.ReadBytes('\n')
		if err != nil {
			return nil, err
		}
		text := bytes.TrimRight(raw, "\r\n")
		size, ok := literalSize(text)
		if !ok {
			chunks = append(chunks, wire.Chunk{Text: text})
			return chunks, nil
		}
		literal := make([]byte, size)
		c.setDeadline()
		if _, err := io.ReadFull(c.reader, literal); err != nil {
			return nil, err
		}
		chunks = append(chunks, wire.Chunk{Text: text, Literal: literal, HasLit: true})
	}
}

// literalSize recognizes a trailing {N} marker.
func literalSize(text []byte) (int, bool) {
	if len(text) < 3 || text[len(text)-1] != '}' {
		return 0, false
	}
	open := bytes.LastIndexByte(text, '{')
	if open == -1 {
		return 0, false
	}
	n, err := strconv.Atoi(string(text[open+1 : len(text)-1]))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

type taggedResult struct {
	status string
	text   string
}

func splitStatus(rest []byte) (string, string) {
	fields := bytes.SplitN(rest, []byte(" "), 2)
	status := string(fields[0])
	text := ""
	if len(fields) > 1 {
		text = string(fields[1])
	}
	return status, text
}

// exec sends one tagged command and reads until its tagged completion,
// returning the untagged responses seen along the way, one chunk list per
// logical line with the leading "* " stripped.
func (c *Client) exec(command string) (taggedResult, [][]wire.Chunk, error) {
	tag := c.nextTag()
	if err := c.writeLine(tag + " " + command); err != nil {
		return taggedResult{}, nil, err
	}

	var untagged [][]wire.Chunk
	for {
		chunks, err := c.readLogicalLine()
		if err != nil {
			return taggedResult{}, nil, err
		}
		text := chunks[0].Text
		switch {
		case bytes.HasPrefix(text, []byte("* ")):
			chunks[0].Text = text[2:]
			untagged = append(untagged, chunks)
		case bytes.HasPrefix(text, []byte(tag+" ")):
			status, rest := splitStatus(text[len(tag)+1:])
			return taggedResult{status: status, text: rest}, untagged, nil
		default:
			// tagged response for some other exchange, or server chatter;
			// neither terminates this command
		}
	}
}

// execOK runs exec and folds a non-OK tagged outcome into an error.
func (c *Client) execOK(name, command string) ([][]wire.Chunk, error) {
	res, untagged, err := c.exec(command)
	if err != nil {
		return nil, err
	}
	if res.status != "OK" {
		return nil, errors.New(errdef.IMAPError(name, res.status, res.text))
	}
	return untagged, nil
}

// Capability issues CAPABILITY and returns the advertised atoms.
func (c *Client) Capability() ([]string, error) {
	untagged, err := c.execOK("CAPABILITY", "CAPABILITY")
	if err != nil {
		var f *errdef.Failure
		if !errors.As(err, &f) {
			err = errdef.Accountf("%v", err).WithCause(err)
		}
		return nil, err
	}
	for _, chunks := range untagged {
		fields := strings.Fields(string(chunks[0].Text))
		if len(fields) > 0 && strings.EqualFold(fields[0], "CAPABILITY") {
			return fields[1:], nil
		}
	}
	return nil, errdef.Accountf("host %s port %d returned no CAPABILITY data",
		c.account.Host, c.account.Port)
}

// ListFolders returns all selectable folder names.
func (c *Client) ListFolders() ([]string, error) {
	untagged, err := c.execOK("LIST", `LIST "" "*"`)
	if err != nil {
		return nil, err
	}

	var folders []string
	for _, chunks := range untagged {
		fields := bytes.Fields(chunks[0].Text)
		if len(fields) == 0 || !bytes.EqualFold(fields[0], []byte("LIST")) {
			continue
		}
		frames := wire.Reassemble(chunks)
		for _, frame := range frames {
			items, err := wire.ParseFrame(frame)
			if err != nil {
				return nil, err
			}
			// items: LIST (attrs) delimiter name
			if len(items) < 4 {
				return nil, errors.Errorf("malformed LIST response: %q", frame.Line)
			}
			attrs, ok := items[1].(wire.List)
			if !ok {
				return nil, errors.Errorf("malformed LIST response: %q", frame.Line)
			}
			if listContains(attrs, `\Noselect`) {
				continue
			}
			name, ok := items[len(items)-1].(wire.Atom)
			if !ok {
				return nil, errors.Errorf("malformed LIST response: %q", frame.Line)
			}
			folders = append(folders, string(name))
		}
	}
	return folders, nil
}

func (c *Client) Select(folder string) error {
	res, _, err := c.exec("SELECT " + wire.Quote(folder))
	if err != nil {
		return err
	}
	if res.status != "OK" {
		return errors.New(errdef.IMAPError("SELECT", res.status, res.text))
	}
	return nil
}

func (c *Client) Close() error {
	_, err := c.execOK("CLOSE", "CLOSE")
	return err
}

func (c *Client) Expunge() error {
	_, err := c.execOK("EXPUNGE", "EXPUNGE")
	return err
}

// Logout says goodbye and tears the connection down.
func (c *Client) Logout() error {
	_, _, err := c.exec("LOGOUT")
	cerr := c.netConn.Close()
	if err != nil {
		return err
	}
	return cerr
}

// Shutdown closes the socket without LOGOUT.
func (c *Client) Shutdown() error {
	return c.netConn.Close()
}

// UIDSearch runs UID SEARCH and returns the matching UIDs in server order.
func (c *Client) UIDSearch(query string) ([][]byte, error) {
	untagged, err := c.execOK("SEARCH", "UID SEARCH "+query)
	if err != nil {
		return nil, err
	}

	var uids [][]byte
	for _, chunks := range untagged {
		fields := bytes.Fields(chunks[0].Text)
		if len(fields) == 0 || !bytes.EqualFold(fields[0], []byte("SEARCH")) {
			continue
		}
		for _, f := range fields[1:] {
			uid := make([]byte, len(f))
			copy(uid, f)
			uids = append(uids, uid)
		}
	}
	return uids, nil
}

// UIDFetch runs UID FETCH for the UID set, reassembles the interleaved
// response stream into logical lines, and returns one attribute mapping per
// line. Untagged FETCH responses triggered by other clients surface here as
// mappings lacking the requested attributes.
func (c *Client) UIDFetch(uids [][]byte, items string) ([]wire.Attrs, error) {
	untagged, err := c.execOK("FETCH", "UID FETCH "+string(JoinUIDs(uids))+" "+items)
	if err != nil {
		return nil, err
	}

	var stream []wire.Chunk
	for _, chunks := range untagged {
		fields := bytes.Fields(chunks[0].Text)
		if len(fields) < 2 || !bytes.EqualFold(fields[1], []byte("FETCH")) {
			continue
		}
		stream = append(stream, chunks...)
	}

	var result []wire.Attrs
	for _, frame := range wire.Reassemble(stream) {
		parsed, err := wire.ParseFrame(frame)
		if err != nil {
			return nil, err
		}
		if len(parsed) == 0 {
			continue
		}
		list, ok := parsed[len(parsed)-1].(wire.List)
		if !ok {
			return nil, errors.Errorf("FETCH response without an attribute list: %q", frame.Line)
		}
		attrs, err := wire.ParseAttrs(list)
		if err != nil {
			return nil, err
		}
		result = append(result, attrs)
	}
	return result, nil
}

// UIDStore runs UID STORE with the given operation and flag.
func (c *Client) UIDStore(uids [][]byte, op string, flag string) error {
	_, err := c.execOK("STORE", "UID STORE "+string(JoinUIDs(uids))+" "+op+" "+flag)
	return err
}

// JoinUIDs renders a UID set as the comma-separated wire form.
func JoinUIDs(uids [][]byte) []byte {
	return bytes.Join(uids, []byte(","))
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func listContains(list wire.List, s string) bool {
	for _, item := range list {
		if atom, ok := item.(wire.Atom); ok && string(atom) == s {
			return true
		}
	}
	return false
}
