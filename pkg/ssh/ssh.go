// Package ssh connects to remote hosts over SSH, and exposes their
// filesystem over SFTP.
package ssh

import (
	"context"
	"io"
	"net"
	"os"
	"time"

	"github.com/pkg/sftp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/afero/sftpfs"
	sshagent "github.com/xanzy/ssh-agent"
	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/sidkik/kpublish/pkg/errors"
	"github.com/sidkik/kpublish/pkg/publish"
)

// Mocked for unit testing.
var (
	readFile    = os.ReadFile
	newAgent    = sshagent.New
	netDialer   = func() dialer { return &net.Dialer{} }
	sftpFactory = func(client *gossh.Client) (*sftp.Client, error) { return sftp.NewClient(client) }
)

type dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Dialer opens SSH sessions. It implements publish.Dialer.
type Dialer struct{}

// Dial connects and authenticates to the host described by `conn`, and
// opens an SFTP subsystem on the connection.
func (Dialer) Dial(ctx context.Context, conn publish.Connection) (publish.Session, error) {
	auth, agentConn, err := authMethods(conn)
	if err != nil {
		return nil, err
	}
	closeAgent := func() {
		if agentConn != nil {
			agentConn.Close()
		}
	}

	hostKeyCallback, err := hostKeyCallback(conn)
	if err != nil {
		closeAgent()
		return nil, err
	}

	config := &gossh.ClientConfig{
		User:            conn.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         conn.EffectiveTimeout(),
	}

	addr := conn.Address()
	netConn, err := netDialer().DialContext(ctx, "tcp", addr)
	if err != nil {
		closeAgent()
		return nil, errors.WithContext(err, "dial")
	}

	// The handshake isn't context aware, so bound it by the context's
	// deadline.
	if deadline, ok := ctx.Deadline(); ok {
		netConn.SetDeadline(deadline)
	}
	clientConn, chans, reqs, err := gossh.NewClientConn(netConn, addr, config)
	if err != nil {
		netConn.Close()
		closeAgent()
		return nil, errors.WithContext(err, "ssh handshake")
	}
	netConn.SetDeadline(time.Time{})

	client := gossh.NewClient(clientConn, chans, reqs)
	sftpClient, err := sftpFactory(client)
	if err != nil {
		client.Close()
		closeAgent()
		return nil, errors.WithContext(err, "start sftp")
	}

	return &session{
		client:    client,
		sftp:      sftpClient,
		fs:        sftpfs.New(sftpClient),
		agentConn: agentConn,
	}, nil
}

func authMethods(conn publish.Connection) ([]gossh.AuthMethod, net.Conn, error) {
	var methods []gossh.AuthMethod
	if conn.PrivateKeyFile != "" {
		signer, err := parsePrivateKey(conn.PrivateKeyFile, conn.Password)
		if err != nil {
			return nil, nil, err
		}
		methods = append(methods, gossh.PublicKeys(signer))
	}

	var agentConn net.Conn
	if conn.UseAgent {
		agent, c, err := newAgent()
		if err != nil {
			return nil, nil, errors.WithContext(err, "connect to ssh-agent")
		}
		agentConn = c
		methods = append(methods, gossh.PublicKeysCallback(agent.Signers))
	}

	if conn.Password != "" {
		password := conn.Password
		methods = append(methods,
			gossh.Password(password),
			gossh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}))
	}
	return methods, agentConn, nil
}

// parsePrivateKey reads a private key. Encrypted keys are decrypted with
// `passphrase`.
func parsePrivateKey(path, passphrase string) (gossh.Signer, error) {
	pem, err := readFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileNotFound{Path: path}
		}
		return nil, errors.WithContext(err, "read private key")
	}

	signer, err := gossh.ParsePrivateKey(pem)
	if _, ok := err.(*gossh.PassphraseMissingError); ok {
		if passphrase == "" {
			return nil, errors.NewFriendlyError(
				"The private key %s is encrypted. Set the server password to its passphrase.", path)
		}
		signer, err = gossh.ParsePrivateKeyWithPassphrase(pem, []byte(passphrase))
	}
	if err != nil {
		return nil, errors.WithContext(err, "parse private key")
	}
	return signer, nil
}

func hostKeyCallback(conn publish.Connection) (gossh.HostKeyCallback, error) {
	if conn.KnownHostsFile == "" {
		log.WithField("host", conn.Host).Debug("No known hosts file configured. " +
			"The host key won't be verified.")
		return gossh.InsecureIgnoreHostKey(), nil
	}

	callback, err := knownhosts.New(conn.KnownHostsFile)
	if err != nil {
		return nil, errors.WithContext(err, "read known hosts")
	}
	return callback, nil
}

type session struct {
	client    *gossh.Client
	sftp      *sftp.Client
	fs        afero.Fs
	agentConn net.Conn
}

func (s *session) FS() afero.Fs {
	return s.fs
}

func (s *session) NewChannel() (publish.Channel, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, errors.WithContext(err, "new session")
	}
	return &channel{session: sess}, nil
}

func (s *session) Close() error {
	sftpErr := s.sftp.Close()
	clientErr := s.client.Close()
	if s.agentConn != nil {
		s.agentConn.Close()
	}

	if sftpErr != nil {
		return errors.WithContext(sftpErr, "close sftp")
	}
	return errors.WithContext(clientErr, "close ssh")
}

// channel runs a single command on an SSH session.
type channel struct {
	session *gossh.Session
	stdin   io.WriteCloser
}

func (c *channel) Start(cmd string) (io.Reader, io.Reader, error) {
	stdin, err := c.session.StdinPipe()
	if err != nil {
		return nil, nil, errors.WithContext(err, "stdin")
	}
	stdout, err := c.session.StdoutPipe()
	if err != nil {
		return nil, nil, errors.WithContext(err, "stdout")
	}
	stderr, err := c.session.StderrPipe()
	if err != nil {
		return nil, nil, errors.WithContext(err, "stderr")
	}

	c.stdin = stdin
	if err := c.session.Start(cmd); err != nil {
		return nil, nil, errors.WithContext(err, "start")
	}
	return stdout, stderr, nil
}

func (c *channel) CloseWrite() error {
	if c.stdin == nil {
		return nil
	}
	return ignoreEOF(c.stdin.Close())
}

// Wait returns a *gossh.ExitError if the command exited with a non-zero
// status.
func (c *channel) Wait() error {
	return c.session.Wait()
}

func (c *channel) Close() error {
	return ignoreEOF(c.session.Close())
}

// The SSH library reports io.EOF when closing a channel that the remote end
// already closed.
func ignoreEOF(err error) error {
	if err == io.EOF {
		return nil
	}
	return err
}
