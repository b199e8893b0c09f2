package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sshagent "github.com/xanzy/ssh-agent"
	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/sidkik/kpublish/pkg/errors"
	"github.com/sidkik/kpublish/pkg/publish"
)

func mockKeyFile(t *testing.T, passphrase string) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	var block *pem.Block
	if passphrase == "" {
		block, err = gossh.MarshalPrivateKey(priv, "")
	} else {
		block, err = gossh.MarshalPrivateKeyWithPassphrase(priv, "", []byte(passphrase))
	}
	require.NoError(t, err)

	contents := pem.EncodeToMemory(block)
	readFile = func(path string) ([]byte, error) {
		if path != "/home/deploy/.ssh/id_ed25519" {
			return nil, os.ErrNotExist
		}
		return contents, nil
	}
}

func TestParsePrivateKey(t *testing.T) {
	defer func() { readFile = os.ReadFile }()

	mockKeyFile(t, "")
	_, err := parsePrivateKey("/home/deploy/.ssh/id_ed25519", "")
	assert.NoError(t, err)

	_, err = parsePrivateKey("/home/deploy/.ssh/missing", "")
	assert.Equal(t, errors.FileNotFound{Path: "/home/deploy/.ssh/missing"}, err)

	mockKeyFile(t, "hunter2")
	_, err = parsePrivateKey("/home/deploy/.ssh/id_ed25519", "")
	var friendly errors.FriendlyError
	assert.True(t, errors.As(err, &friendly), "%v", err)

	_, err = parsePrivateKey("/home/deploy/.ssh/id_ed25519", "hunter2")
	assert.NoError(t, err)

	_, err = parsePrivateKey("/home/deploy/.ssh/id_ed25519", "wrong")
	assert.Error(t, err)
}

type stubConn struct {
	net.Conn
	closed bool
}

func (c *stubConn) Close() error {
	c.closed = true
	return nil
}

func TestAuthMethods(t *testing.T) {
	defer func() {
		readFile = os.ReadFile
		newAgent = sshagent.New
	}()
	mockKeyFile(t, "")

	agentConn := &stubConn{}
	newAgent = func() (agent.Agent, net.Conn, error) {
		return agent.NewKeyring().(agent.ExtendedAgent), agentConn, nil
	}

	tests := []struct {
		name       string
		conn       publish.Connection
		expMethods int
		expAgent   bool
	}{
		{
			name:       "Password",
			conn:       publish.Connection{Password: "secret"},
			expMethods: 2,
		},
		{
			name:       "Key",
			conn:       publish.Connection{PrivateKeyFile: "/home/deploy/.ssh/id_ed25519"},
			expMethods: 1,
		},
		{
			name:       "Agent",
			conn:       publish.Connection{UseAgent: true},
			expMethods: 1,
			expAgent:   true,
		},
		{
			name: "All",
			conn: publish.Connection{
				PrivateKeyFile: "/home/deploy/.ssh/id_ed25519",
				UseAgent:       true,
				Password:       "secret",
			},
			expMethods: 4,
			expAgent:   true,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			methods, conn, err := authMethods(test.conn)
			require.NoError(t, err)
			assert.Len(t, methods, test.expMethods)
			if test.expAgent {
				assert.Equal(t, agentConn, conn)
			} else {
				assert.Nil(t, conn)
			}
		})
	}
}

func TestHostKeyCallback(t *testing.T) {
	callback, err := hostKeyCallback(publish.Connection{Host: "example.com"})
	require.NoError(t, err)
	assert.NotNil(t, callback)

	_, err = hostKeyCallback(publish.Connection{KnownHostsFile: "/does/not/exist"})
	assert.Error(t, err)
}

type failingDialer struct{}

func (failingDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return nil, errors.New("connection refused")
}

func TestDialFailure(t *testing.T) {
	defer func() {
		netDialer = func() dialer { return &net.Dialer{} }
		newAgent = sshagent.New
	}()
	netDialer = func() dialer { return failingDialer{} }

	agentConn := &stubConn{}
	newAgent = func() (agent.Agent, net.Conn, error) {
		return agent.NewKeyring().(agent.ExtendedAgent), agentConn, nil
	}

	_, err := Dialer{}.Dial(context.Background(), publish.Connection{
		Host:     "example.com",
		Port:     22,
		User:     "deploy",
		UseAgent: true,
	})
	assert.EqualError(t, err, "dial: connection refused")
	assert.True(t, agentConn.closed)
}
