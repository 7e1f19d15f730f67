package httpmsg

import (
	"bufio"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func read(t *testing.T, raw string) *Message {
	t.Helper()
	m, err := ReadMessage(bufio.NewReader(strings.NewReader(raw)))
	require.NoError(t, err)
	return m
}

func TestReadRequest(t *testing.T) {
	m := read(t, "GET /a?b=c HTTP/1.0\r\n"+
		"Host: www.example.com\r\n"+
		"Cookie: session=abc%3D1; ab_id=xyz\r\n"+
		"Accept-Language: fr-FR,fr;q=0.9\r\n"+
		"\r\n")
	require.False(t, m.IsResponse)
	require.Equal(t, "GET", m.Method)
	require.Equal(t, "/a?b=c", m.URI)
	require.Equal(t, "HTTP/1.0", m.Proto)
	require.Equal(t, "www.example.com", m.Header("host"))
	require.Equal(t, []string{"session=abc%3D1", "ab_id=xyz"}, m.Cookies)
	require.Equal(t, "abc%3D1", m.Cookie("session"))
	require.Equal(t, "xyz", m.Cookie("AB_ID"))
	require.Empty(t, m.Body)
}

func TestReadRequestWithBody(t *testing.T) {
	m := read(t, "POST /submit HTTP/1.0\r\n"+
		"Content-Length: 5\r\n"+
		"\r\n"+
		"hello")
	require.Equal(t, "POST", m.Method)
	require.Equal(t, []byte("hello"), m.Body)
}

func TestReadResponse(t *testing.T) {
	m := read(t, "HTTP/1.0 404 Not Found\r\n"+
		"Set-Cookie: a=1; path=/\r\n"+
		"Set-Cookie: b=2; path=/\r\n"+
		"Content-Length: 4\r\n"+
		"\r\n"+
		"gone")
	require.True(t, m.IsResponse)
	require.Equal(t, 404, m.Status)
	require.Equal(t, "Not Found", m.Reason)
	require.Equal(t, []string{"a=1; path=/", "b=2; path=/"}, m.Cookies)
	require.Equal(t, []byte("gone"), m.Body)
}

func TestReadBadMessages(t *testing.T) {
	for _, raw := range []string{
		"GARBAGE\r\n\r\n",
		"GET /a\r\n\r\n",
		"HTTP/1.0 abc OK\r\n\r\n",
		"GET /a HTTP/1.0\r\nno-colon-header\r\n\r\n",
		"GET /a HTTP/1.0\r\nContent-Length: nope\r\n\r\n",
	} {
		_, err := ReadMessage(bufio.NewReader(strings.NewReader(raw)))
		require.Error(t, err, raw)
		require.True(t, errors.Is(err, ErrBadMessage), raw)
	}
}

func TestWriteResponse(t *testing.T) {
	m := NewResponse(200)
	m.SetHeader("X-App-Server", "web3")
	m.AddCookie("ab_id", "abc")
	m.Body = []byte("hi")

	raw := string(m.WriteResponse(nil))
	require.Equal(t, "HTTP/1.0 200 OK\r\n"+
		"X-App-Server: web3\r\n"+
		"content-length: 2\r\n"+
		"set-cookie: ab_id=abc; path=/\r\n"+
		"\r\n"+
		"hi", raw)

	// A body override rewrites content-length.
	raw = string(m.WriteResponse([]byte("replaced")))
	require.Contains(t, raw, "content-length: 8\r\n")
	require.True(t, strings.HasSuffix(raw, "replaced"))
}

func TestWriteRequestJoinsCookies(t *testing.T) {
	m := NewRequest("GET", "/a")
	m.SetHeader("host", "www.example.com")
	m.Cookies = []string{"session=1", "ab_id=xyz"}

	raw := string(m.WriteRequest())
	require.Contains(t, raw, "GET /a HTTP/1.0\r\n")
	require.Contains(t, raw, "cookie: session=1; ab_id=xyz\r\n")
	require.Contains(t, raw, "content-length: 0\r\n")
}

func TestRoundTrip(t *testing.T) {
	m := NewResponse(302)
	m.SetHeader("Location", "http://fr.example.com/a")
	out := read(t, string(m.WriteResponse(nil)))
	require.Equal(t, 302, out.Status)
	require.Equal(t, "http://fr.example.com/a", out.Header("location"))
}
