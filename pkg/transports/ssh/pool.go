package ssh

import (
	"context"
	"strings"
	"sync"
)

var _ Remote = (*Pool)(nil)

// Pool keeps one Client per server and implements Remote.
type Pool struct {
	base *Config

	// HostTemplate maps a server name to a host; "{server}" is replaced.
	hostTemplate string

	mu      sync.Mutex
	clients map[string]*Client
}

// NewPool creates a pool. base supplies everything but the host.
func NewPool(base *Config, hostTemplate string) *Pool {
	if hostTemplate == "" {
		hostTemplate = "{server}"
	}
	return &Pool{
		base:         base,
		hostTemplate: hostTemplate,
		clients:      make(map[string]*Client),
	}
}

// Host returns the host a server name resolves to.
func (p *Pool) Host(server string) string {
	return strings.ReplaceAll(p.hostTemplate, "{server}", server)
}

// Run executes cmd on server, connecting on first use. A non-zero exit
// returns *CommandError along with the result. After a temporary transport
// failure the connection is dropped so the next call redials.
func (p *Pool) Run(ctx context.Context, server, cmd string) (*ExecResult, error) {
	client, err := p.client(ctx, server)
	if err != nil {
		return nil, err
	}

	res, err := client.Execute(ctx, cmd)
	if err != nil {
		if IsTemporary(err) {
			p.drop(server, client)
		}
		return nil, err
	}

	if res.ExitCode != 0 {
		return res, &CommandError{
			Host:     p.Host(server),
			Command:  cmd,
			ExitCode: res.ExitCode,
			Stderr:   res.Stderr,
		}
	}
	return res, nil
}

func (p *Pool) client(ctx context.Context, server string) (*Client, error) {
	p.mu.Lock()
	client, ok := p.clients[server]
	if !ok {
		var err error
		client, err = NewClient(p.base.WithHost(p.Host(server)))
		if err != nil {
			p.mu.Unlock()
			return nil, &TransportError{Op: "connect", Host: p.Host(server), Err: err}
		}
		p.clients[server] = client
	}
	p.mu.Unlock()

	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

func (p *Pool) drop(server string, client *Client) {
	p.mu.Lock()
	if p.clients[server] == client {
		delete(p.clients, server)
	}
	p.mu.Unlock()
	_ = client.Close()
}

// Close closes every pooled connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[string]*Client)
	p.mu.Unlock()

	var firstErr error
	for _, c := range clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
