package httpmsg

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrBadMessage reports a malformed start line, header line, or
// content-length. A body shorter than content-length surfaces as the
// underlying read error instead.
// The server answers it with 400 and closes.
var ErrBadMessage = errors.New("bad message")

var knownMethods = map[string]bool{
	"GET": true, "PUT": true, "POST": true, "DELETE": true, "HEAD": true,
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// ReadMessage parses one request or response from r: a start line,
// headers up to a blank line, then a fixed-length body when
// content-length says so. Request cookies are split on "; " out of a
// single cookie header; response set-cookie headers are kept verbatim.
func ReadMessage(r *bufio.Reader) (*Message, error) {
	m := &Message{ReceivedOn: time.Now()}

	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	parts := strings.Fields(line)
	if len(parts) < 2 {
		return nil, errors.Wrapf(ErrBadMessage, "start line %q", line)
	}
	if knownMethods[strings.ToUpper(parts[0])] {
		if len(parts) != 3 {
			return nil, errors.Wrapf(ErrBadMessage, "request line %q", line)
		}
		m.Method, m.URI, m.Proto = strings.ToUpper(parts[0]), parts[1], parts[2]
	} else {
		status, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, errors.Wrapf(ErrBadMessage, "status line %q", line)
		}
		m.IsResponse = true
		m.Proto = parts[0]
		m.Status = status
		m.Reason = strings.Join(parts[2:], " ")
	}

	for {
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}
		key, value, ok := strings.Cut(line, ": ")
		if !ok || key == "" {
			return nil, errors.Wrapf(ErrBadMessage, "header line %q", line)
		}
		switch strings.ToLower(key) {
		case "cookie":
			m.Cookies = append(m.Cookies, strings.Split(value, "; ")...)
		case "set-cookie":
			m.Cookies = append(m.Cookies, value)
		default:
			m.Headers = append(m.Headers, Header{Key: key, Value: value})
		}
	}

	if cl := m.Header("content-length"); cl != "" {
		length, err := strconv.Atoi(cl)
		if err != nil || length < 0 {
			return nil, errors.Wrapf(ErrBadMessage, "content-length %q", cl)
		}
		if length > 0 {
			m.Body = make([]byte, length)
			if _, err := io.ReadFull(r, m.Body); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Message) writeHeaders(b *strings.Builder) {
	for _, h := range m.Headers {
		b.WriteString(h.Key)
		b.WriteString(": ")
		b.WriteString(h.Value)
		b.WriteString("\r\n")
	}
}

// WriteRequest emits the message as a request: command line, headers in
// insertion order, cookies joined into a single cookie header, blank
// line, body. content-length is forced to the body length.
func (m *Message) WriteRequest() []byte {
	m.SetHeader("content-length", strconv.Itoa(len(m.Body)))
	var b strings.Builder
	b.WriteString(m.Method)
	b.WriteString(" ")
	b.WriteString(m.URI)
	b.WriteString(" ")
	b.WriteString(m.Proto)
	b.WriteString("\r\n")
	m.writeHeaders(&b)
	if len(m.Cookies) > 0 {
		b.WriteString("cookie: ")
		b.WriteString(strings.Join(m.Cookies, "; "))
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	b.Write(m.Body)
	return []byte(b.String())
}

// WriteResponse emits the message as a response, one set-cookie line per
// cookie. When body is non-nil it replaces m.Body for emission.
func (m *Message) WriteResponse(body []byte) []byte {
	if body == nil {
		body = m.Body
	}
	m.SetHeader("content-length", strconv.Itoa(len(body)))
	reason := m.Reason
	if reason == "" {
		reason = StatusText[m.Status]
		if reason == "" {
			reason = "ERROR"
		}
	}
	var b strings.Builder
	b.WriteString(m.Proto)
	b.WriteString(" ")
	b.WriteString(strconv.Itoa(m.Status))
	b.WriteString(" ")
	b.WriteString(reason)
	b.WriteString("\r\n")
	m.writeHeaders(&b)
	for _, c := range m.Cookies {
		b.WriteString("set-cookie: ")
		b.WriteString(c)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	b.Write(body)
	return []byte(b.String())
}
