// Package sftp provides an SSH/SFTP client for reading remote files.
package sftp

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	gosftp "github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Client is an SFTP session over a single SSH connection.
type Client struct {
	config *Config

	mu          sync.Mutex
	conn        *ssh.Client
	proxy       *ssh.Client
	sftp        *gosftp.Client
	connectedAt time.Time
}

// Dial connects to the host in config and opens an SFTP session.
func Dial(ctx context.Context, config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	clientConfig, err := config.BuildSSHClientConfig()
	if err != nil {
		return nil, &TransportError{
			Op:          "connect",
			Err:         err,
			IsAuthError: true,
		}
	}

	c := &Client{config: config}
	if config.IsProxyEnabled() {
		err = c.connectViaProxy(ctx, clientConfig)
	} else {
		err = c.connectDirect(ctx, clientConfig)
	}
	if err != nil {
		return nil, err
	}

	session, err := gosftp.NewClient(c.conn)
	if err != nil {
		_ = c.Close()
		return nil, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}
	c.sftp = session
	return c, nil
}

// connectDirect establishes a direct SSH connection.
func (c *Client) connectDirect(ctx context.Context, clientConfig *ssh.ClientConfig) error {
	address := c.config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	client, err := dialContext(ctx, address, clientConfig)
	if err != nil {
		return &TransportError{
			Op:          "connect",
			Err:         err,
			IsTemporary: true,
		}
	}
	c.conn = client
	c.connectedAt = time.Now()
	log.Debug().Str("address", address).Msg("SSH connection established")
	return nil
}

// connectViaProxy establishes an SSH connection through a jump host. The
// jump host is authenticated with the same credentials as the target.
func (c *Client) connectViaProxy(ctx context.Context, targetConfig *ssh.ClientConfig) error {
	proxyConfig := *targetConfig
	proxyConfig.User = c.config.ProxyUser

	log.Debug().Str("proxy", c.config.ProxyAddress()).Msg("connecting to proxy host")

	proxyClient, err := dialContext(ctx, c.config.ProxyAddress(), &proxyConfig)
	if err != nil {
		return &TransportError{
			Op:          "connect-proxy",
			Err:         err,
			IsTemporary: true,
		}
	}

	targetAddress := c.config.Address()
	proxyConn, err := proxyClient.Dial("tcp", targetAddress)
	if err != nil {
		_ = proxyClient.Close()
		return &TransportError{
			Op:          "connect-via-proxy",
			Err:         err,
			IsTemporary: true,
		}
	}

	ncc, chans, reqs, err := ssh.NewClientConn(proxyConn, targetAddress, targetConfig)
	if err != nil {
		_ = proxyConn.Close()
		_ = proxyClient.Close()
		return &TransportError{
			Op:          "connect-via-proxy",
			Err:         err,
			IsTemporary: true,
			IsAuthError: true,
		}
	}

	c.proxy = proxyClient
	c.conn = ssh.NewClient(ncc, chans, reqs)
	c.connectedAt = time.Now()
	log.Debug().Str("target", targetAddress).Str("proxy", c.config.ProxyAddress()).Msg("SSH connection established via proxy")
	return nil
}

// dialContext runs ssh.Dial so that ctx can abandon it. A connection that
// completes after cancellation is closed.
func dialContext(ctx context.Context, address string, config *ssh.ClientConfig) (*ssh.Client, error) {
	connChan := make(chan *ssh.Client, 1)
	errChan := make(chan error, 1)

	go func() {
		client, err := ssh.Dial("tcp", address, config)
		if err != nil {
			errChan <- err
			return
		}
		connChan <- client
	}()

	select {
	case <-ctx.Done():
		go func() {
			select {
			case client := <-connChan:
				_ = client.Close()
			case <-errChan:
			}
		}()
		return nil, ctx.Err()
	case err := <-errChan:
		return nil, err
	case client := <-connChan:
		return client, nil
	}
}

// Stat returns file information for a remote path.
func (c *Client) Stat(ctx context.Context, remotePath string) (os.FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	session, err := c.session()
	if err != nil {
		return nil, err
	}
	info, err := session.Stat(remotePath)
	if err != nil {
		return nil, &TransportError{
			Op:  "stat",
			Err: fmt.Errorf("failed to stat remote file: %w", err),
		}
	}
	return info, nil
}

// Fetch copies a remote file to w and returns the number of bytes written.
func (c *Client) Fetch(ctx context.Context, remotePath string, w io.Writer) (int64, error) {
	startTime := time.Now()

	session, err := c.session()
	if err != nil {
		return 0, err
	}

	remoteFile, err := session.Open(remotePath)
	if err != nil {
		return 0, &TransportError{
			Op:          "download",
			Err:         fmt.Errorf("failed to open remote file: %w", err),
			IsTemporary: true,
		}
	}
	defer remoteFile.Close()

	written, err := copyWithContext(ctx, w, remoteFile)
	if err != nil {
		return written, &TransportError{
			Op:          "download",
			Err:         fmt.Errorf("failed to copy file: %w", err),
			IsTemporary: true,
		}
	}

	log.Debug().
		Str("remote", remotePath).
		Int64("bytes", written).
		Dur("duration", time.Since(startTime)).
		Msg("file downloaded")
	return written, nil
}

// Close ends the SFTP session and the underlying connections.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	if c.sftp != nil {
		if err := c.sftp.Close(); err != nil {
			firstErr = err
		}
		c.sftp = nil
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		c.conn = nil
	}
	if c.proxy != nil {
		_ = c.proxy.Close()
		c.proxy = nil
	}
	if firstErr != nil {
		return &TransportError{Op: "disconnect", Err: firstErr}
	}
	return nil
}

// ConnectedAt returns when the connection was established.
func (c *Client) ConnectedAt() time.Time {
	return c.connectedAt
}

func (c *Client) session() (*gosftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sftp == nil {
		return nil, &TransportError{
			Op:  "get-client",
			Err: fmt.Errorf("not connected"),
		}
	}
	return c.sftp, nil
}

// copyWithContext copies src to dst, checking ctx between chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[0:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return written, err
		}
	}

	return written, nil
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "stat", "download")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}
