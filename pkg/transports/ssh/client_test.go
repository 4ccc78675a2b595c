package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// testSSHServer provides a minimal SSH server for testing.
type testSSHServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	done     chan struct{}
	conns    atomic.Int32
}

func newTestSSHServer(t *testing.T) *testSSHServer {
	t.Helper()

	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "testuser" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := &testSSHServer{
		listener: listener,
		config:   config,
		addr:     listener.Addr().String(),
		done:     make(chan struct{}),
	}
	go server.serve()
	t.Cleanup(server.close)

	return server
}

func (s *testSSHServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *testSSHServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()
	s.conns.Add(1)

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleChannel(channel, requests)
	}
}

func exitStatus(code uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, code)
	return b
}

func (s *testSSHServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		if req.Type != "exec" {
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
			continue
		}

		command := string(req.Payload[4:])
		if req.WantReply {
			_ = req.Reply(true, nil)
		}

		switch command {
		case "echo test":
			_, _ = channel.Write([]byte("test\n"))
			_, _ = channel.SendRequest("exit-status", false, exitStatus(0))
		case "echo error >&2":
			_, _ = channel.Stderr().Write([]byte("error\n"))
			_, _ = channel.SendRequest("exit-status", false, exitStatus(0))
		case "exit 3":
			_, _ = channel.Stderr().Write([]byte("boom\n"))
			_, _ = channel.SendRequest("exit-status", false, exitStatus(3))
		case "sleep":
			time.Sleep(2 * time.Second)
			_, _ = channel.SendRequest("exit-status", false, exitStatus(0))
		default:
			_, _ = channel.Write([]byte("command: " + command + "\n"))
			_, _ = channel.SendRequest("exit-status", false, exitStatus(0))
		}
		return
	}
}

func (s *testSSHServer) close() {
	close(s.done)
	_ = s.listener.Close()
}

func (s *testSSHServer) clientConfig(t *testing.T) *Config {
	t.Helper()
	host, portStr, _ := net.SplitHostPort(s.addr)
	port := 0
	_, _ = fmt.Sscanf(portStr, "%d", &port)

	config := DefaultConfig(host, "testuser")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"
	config.ConnectionTimeout = 5 * time.Second
	return config
}

func TestClientConnectAndExecute(t *testing.T) {
	server := newTestSSHServer(t)

	client, err := NewClient(server.clientConfig(t))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer client.Close()

	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}

	t.Run("stdout", func(t *testing.T) {
		res, err := client.Execute(ctx, "echo test")
		if err != nil {
			t.Fatalf("command failed: %v", err)
		}
		if res.Stdout != "test" || res.ExitCode != 0 {
			t.Errorf("result = %+v", res)
		}
	})

	t.Run("stderr", func(t *testing.T) {
		res, err := client.Execute(ctx, "echo error >&2")
		if err != nil {
			t.Fatalf("command failed: %v", err)
		}
		if res.Stderr != "error" || res.Stdout != "" {
			t.Errorf("result = %+v", res)
		}
	})

	t.Run("exit status", func(t *testing.T) {
		res, err := client.Execute(ctx, "exit 3")
		if err != nil {
			t.Fatalf("non-zero exit should not be a transport error: %v", err)
		}
		if res.ExitCode != 3 || res.Stderr != "boom" {
			t.Errorf("result = %+v", res)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		tctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()

		_, err := client.Execute(tctx, "sleep")
		if !IsTemporary(err) {
			t.Errorf("timeout error = %v, want temporary transport error", err)
		}
	})
}

func TestClientBadPassword(t *testing.T) {
	server := newTestSSHServer(t)

	config := server.clientConfig(t)
	config.Password = "wrong"
	client, err := NewClient(config)
	if err != nil {
		t.Fatal(err)
	}

	err = client.Connect(context.Background())
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("Connect() error = %v, want *TransportError", err)
	}
	if !te.AuthError || te.Temporary {
		t.Errorf("auth failure = %+v, want AuthError and not Temporary", te)
	}
}

func TestClientExecuteNotConnected(t *testing.T) {
	config := DefaultConfig("example.com", "testuser")
	config.AuthMethod = AuthMethodPassword
	config.Password = "secret"
	client, err := NewClient(config)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := client.Execute(context.Background(), "true"); err == nil {
		t.Error("expected error executing without a connection")
	}
}

func TestPool(t *testing.T) {
	server := newTestSSHServer(t)

	base := server.clientConfig(t)
	pool := NewPool(base, base.Host)
	defer pool.Close()

	ctx := context.Background()
	res, err := pool.Run(ctx, "s1", "echo test")
	if err != nil || res.Stdout != "test" {
		t.Fatalf("Run() = %+v, %v", res, err)
	}
	if _, err := pool.Run(ctx, "s1", "echo test"); err != nil {
		t.Fatal(err)
	}
	if got := server.conns.Load(); got != 1 {
		t.Errorf("connections = %d, want 1 reused connection", got)
	}

	_, err = pool.Run(ctx, "s1", "exit 3")
	var ce *CommandError
	if !errors.As(err, &ce) || ce.ExitCode != 3 {
		t.Errorf("Run() error = %v, want *CommandError with code 3", err)
	}
	if IsTemporary(err) {
		t.Error("command failure must not be temporary")
	}
}

func TestPoolUnreachable(t *testing.T) {
	base := DefaultConfig("127.0.0.1", "testuser")
	base.Port = 1
	base.AuthMethod = AuthMethodPassword
	base.Password = "secret"
	base.ConnectionTimeout = time.Second

	pool := NewPool(base, "")
	_, err := pool.Run(context.Background(), "127.0.0.1", "true")
	if !IsTemporary(err) {
		t.Errorf("Run() error = %v, want temporary transport error", err)
	}
}

func TestPoolHost(t *testing.T) {
	pool := NewPool(DefaultConfig("", "root"), "{server}.hosts.internal")
	if got := pool.Host("s1"); got != "s1.hosts.internal" {
		t.Errorf("Host() = %q", got)
	}
}
