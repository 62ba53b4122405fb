package httpget

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// testClient returns a Client that sends every request to srv, whatever host the URL names.
func testClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	cfg := srv.Client().Transport.(*http.Transport).TLSClientConfig.Clone()
	cfg.ServerName = "example.com"
	return &Client{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if got, want := addr, "example.com:443"; got != want {
				t.Errorf("dial address:\n  got: %v\n want: %v", got, want)
			}
			return (&tls.Dialer{Config: cfg}).DialContext(ctx, network, srv.Listener.Addr().String())
		},
	}
}

func TestGet(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case "/":
			if got, want := req.Proto, "HTTP/1.0"; got != want {
				t.Errorf("request protocol:\n  got: %v\n want: %v", got, want)
			}
			if got, want := req.Host, "example.com"; got != want {
				t.Errorf("host header:\n  got: %v\n want: %v", got, want)
			}
			w.Header().Set("x-ignored", "yes")
			fmt.Fprint(w, "203.0.113.7")
		case "/api/json":
			if got, want := req.URL.Query().Get("ipAddress"), "203.0.113.7"; got != want {
				t.Errorf("query:\n  got: %v\n want: %v", got, want)
			}
			fmt.Fprint(w, `{"hour": 12}`)
		default:
			http.Error(w, "nope", http.StatusNotFound)
		}
	}))
	defer srv.Close()
	c := testClient(t, srv)
	ctx := context.Background()

	res, err := c.Get(ctx, "https://example.com")
	if err != nil {
		t.Fatalf("get ip: %v", err)
	}
	if got, want := res.Text(), "203.0.113.7"; got != want {
		t.Errorf("text body:\n  got: %v\n want: %v", got, want)
	}

	res, err = c.Get(ctx, "https://example.com/api/json?ipAddress=203.0.113.7")
	if err != nil {
		t.Fatalf("get json: %v", err)
	}
	var body struct{ Hour int }
	if err := res.JSON(&body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got, want := body.Hour, 12; got != want {
		t.Errorf("json body:\n  got: %v\n want: %v", got, want)
	}

	_, err = c.Get(ctx, "https://example.com/missing")
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("get missing: expected ErrProtocol, got %v", err)
	}
	if !strings.Contains(err.Error(), "example.com/missing") || !strings.Contains(err.Error(), "Not Found") {
		t.Errorf("error should name the host, path, and reason: %v", err)
	}
}

func TestGetNetworkError(t *testing.T) {
	c := &Client{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return nil, errors.New("no route to host")
		},
	}
	if _, err := c.Get(context.Background(), "https://example.com/"); !errors.Is(err, ErrNetwork) {
		t.Errorf("expected ErrNetwork, got %v", err)
	}
}

func TestGetCancelled(t *testing.T) {
	stall := make(chan struct{})
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		<-stall
	}))
	defer srv.Close()
	defer close(stall)
	c := testClient(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := c.Get(ctx, "https://example.com/slow")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
}

func TestSplitURL(t *testing.T) {
	testData := []struct {
		in       string
		wantHost string
		wantPath string
		wantErr  bool
	}{
		{"https://ifconfig.me", "ifconfig.me", "", false},
		{"https://ifconfig.me/", "ifconfig.me", "", false},
		{"https://www.timeapi.io/api/Time/current/ip?ipAddress=1.2.3.4", "www.timeapi.io", "api/Time/current/ip?ipAddress=1.2.3.4", false},
		{"http://ifconfig.me", "", "", true},
		{"ifconfig.me", "", "", true},
		{"https:///foo", "", "", true},
	}
	for _, test := range testData {
		t.Run(test.in, func(t *testing.T) {
			host, path, err := splitURL(test.in)
			if got, want := err != nil, test.wantErr; got != want {
				t.Fatalf("error: %v; want error: %v", err, want)
			}
			if got, want := host, test.wantHost; got != want {
				t.Errorf("host:\n  got: %v\n want: %v", got, want)
			}
			if got, want := path, test.wantPath; got != want {
				t.Errorf("path:\n  got: %v\n want: %v", got, want)
			}
		})
	}
}

type fakeConn struct {
	io.Reader
	written bytes.Buffer
}

func (c *fakeConn) Write(p []byte) (int, error) { return c.written.Write(p) }

func TestRoundTrip(t *testing.T) {
	testData := []struct {
		name     string
		response string
		want     string
		wantErr  error
	}{
		{
			name:     "ok",
			response: "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\n\r\nhello\r\nworld",
			want:     "hello\r\nworld",
		},
		{
			name:     "bare newlines",
			response: "HTTP/1.0 200 OK\nServer: x\n\nbody",
			want:     "body",
		},
		{
			name:     "server error",
			response: "HTTP/1.1 503 Service Unavailable\r\n\r\n",
			wantErr:  ErrProtocol,
		},
		{
			name:     "garbage",
			response: "hello\r\n",
			wantErr:  ErrProtocol,
		},
		{
			name:     "truncated headers",
			response: "HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\n",
			wantErr:  ErrNetwork,
		},
		{
			name:     "empty",
			response: "",
			wantErr:  ErrNetwork,
		},
		{
			name:     "largest body",
			response: "HTTP/1.1 200 OK\r\n\r\n" + strings.Repeat("x", MaxBody),
			want:     strings.Repeat("x", MaxBody),
		},
		{
			name:     "body too large",
			response: "HTTP/1.1 200 OK\r\n\r\n" + strings.Repeat("x", MaxBody+1),
			wantErr:  ErrProtocol,
		},
	}
	for _, test := range testData {
		t.Run(test.name, func(t *testing.T) {
			conn := &fakeConn{Reader: strings.NewReader(test.response)}
			body, err := roundTrip(conn, "example.com", "path?q=1")
			if got, want := conn.written.String(), "GET /path?q=1 HTTP/1.0\r\nHost: example.com\r\nConnection: close\r\n\r\n"; got != want {
				t.Errorf("request:\n  got: %q\n want: %q", got, want)
			}
			if test.wantErr != nil {
				if !errors.Is(err, test.wantErr) {
					t.Errorf("expected %v, got %v", test.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("round trip: %v", err)
			}
			if got, want := string(body), test.want; got != want {
				t.Errorf("body:\n  got: %q\n want: %q", got, want)
			}
		})
	}
}
