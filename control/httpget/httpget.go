// Package httpget fetches small documents over HTTPS with the least HTTP possible: one HTTP/1.0
// request, no redirects, no chunked encoding.  The two services the clock talks to are happy with
// that, and it keeps the failure modes easy to reason about.
package httpget

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

// MaxBody is the largest response body Get will buffer.
const MaxBody = 16 << 10

var (
	// ErrNetwork wraps connection, DNS, and TLS failures.
	ErrNetwork = errors.New("network error")
	// ErrProtocol wraps unexpected responses: a non-200 status, a garbled status line, or a body
	// that's missing something the caller needed.
	ErrProtocol = errors.New("protocol error")
)

// Response is the body of a successful request.
type Response struct {
	Content []byte
}

// Text returns the body as a string.
func (r *Response) Text() string {
	return string(r.Content)
}

// JSON unmarshals the body into v.
func (r *Response) JSON(v interface{}) error {
	if err := json.Unmarshal(r.Content, v); err != nil {
		return fmt.Errorf("%w: unmarshal json: %v", ErrProtocol, err)
	}
	return nil
}

// Client makes requests.  The zero value dials port 443 with the system roots.
type Client struct {
	// DialContext, if set, is used instead of a TLS dial to addr (which is always host:443).
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
}

// DefaultClient is used by Get.
var DefaultClient = &Client{}

// Get fetches url with DefaultClient.
func Get(ctx context.Context, url string) (*Response, error) {
	return DefaultClient.Get(ctx, url)
}

// splitURL splits https://host/path into host and path (without the leading slash).
func splitURL(url string) (string, string, error) {
	parts := strings.SplitN(url, "/", 4)
	if len(parts) < 3 {
		return "", "", fmt.Errorf("malformed url %q", url)
	}
	if proto := parts[0]; proto != "https:" || parts[1] != "" {
		return "", "", fmt.Errorf("bad protocol %q in url %q", proto, url)
	}
	host := parts[2]
	if host == "" {
		return "", "", fmt.Errorf("no host in url %q", url)
	}
	var path string
	if len(parts) == 4 {
		path = parts[3]
	}
	return host, path, nil
}

func (c *Client) dial(ctx context.Context, addr string) (net.Conn, error) {
	if c.DialContext != nil {
		return c.DialContext(ctx, "tcp", addr)
	}
	return (&tls.Dialer{}).DialContext(ctx, "tcp", addr)
}

// Get fetches url, which must look like https://host/path.  The entire body is read into memory.
func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	host, path, err := splitURL(url)
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(host, "443")
	conn, err := c.dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: connect to %s: %v", ErrNetwork, addr, err)
	}
	defer conn.Close()

	// Unblock reads and writes if the context ends first.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	body, err := roundTrip(conn, host, path)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ErrNetwork) {
			return nil, fmt.Errorf("fetch %s/%s: %w: %w", host, path, ctxErr, err)
		}
		return nil, fmt.Errorf("fetch %s/%s: %w", host, path, err)
	}
	return &Response{Content: body}, nil
}

// roundTrip writes the request to rw and reads the body of a 200 response.
func roundTrip(rw io.ReadWriter, host, path string) ([]byte, error) {
	req := fmt.Sprintf("GET /%s HTTP/1.0\r\nHost: %s\r\nConnection: close\r\n\r\n", path, host)
	if _, err := io.WriteString(rw, req); err != nil {
		return nil, fmt.Errorf("%w: write request: %v", ErrNetwork, err)
	}

	r := bufio.NewReader(rw)
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("%w: read status line: %v", ErrNetwork, err)
	}
	fields := bytes.SplitN(bytes.TrimSpace(line), []byte(" "), 3)
	if len(fields) < 2 {
		return nil, fmt.Errorf("%w: malformed status line %q", ErrProtocol, line)
	}
	if status := string(fields[1]); status != "200" {
		var reason string
		if len(fields) == 3 {
			reason = string(fields[2])
		}
		return nil, fmt.Errorf("%w: %s:443: status %s %s", ErrProtocol, host, status, reason)
	}

	// Headers are of no interest.
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			return nil, fmt.Errorf("%w: read headers: %v", ErrNetwork, err)
		}
		if len(bytes.TrimSpace(line)) == 0 {
			break
		}
	}

	body, err := io.ReadAll(io.LimitReader(r, MaxBody+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrNetwork, err)
	}
	if len(body) > MaxBody {
		return nil, fmt.Errorf("%w: %s: body larger than %d bytes", ErrProtocol, host, MaxBody)
	}
	return body, nil
}
