package httpproto

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"
)

// Response is a fully-formed outcome ready to be written to the wire. Elide
// is set for HEAD requests: headers (including Content-Length) are computed
// from Body, but Body itself is never written.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
	Headers     map[string]string // extra headers (trace headers, Retry-After, Allow, ...)
	Elide       bool
}

// Write serializes resp onto w as a complete HTTP/1.0 message. Every
// response carries Connection: close — this server never reuses a
// connection for a second request.
func Write(w io.Writer, resp Response) error {
	headers := map[string]string{
		"Date":           time.Now().UTC().Format(time.RFC1123),
		"Content-Type":   resp.ContentType,
		"Content-Length": strconv.Itoa(len(resp.Body)),
		"Connection":     "close",
		"Server":         "dispatchd/1.0",
	}
	for k, v := range resp.Headers {
		headers[k] = v
	}

	if _, err := fmt.Fprintf(w, "HTTP/1.0 %d %s\r\n", resp.Status, StatusText(resp.Status)); err != nil {
		return err
	}
	// Sorted names give every response, GET or HEAD, the same header order.
	names := make([]string, 0, len(headers))
	for k := range headers {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		if _, err := fmt.Fprintf(w, "%s: %s\r\n", k, headers[k]); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w, "\r\n"); err != nil {
		return err
	}
	if resp.Elide {
		return nil
	}
	_, err := w.Write(resp.Body)
	return err
}

// JSON builds a JSON response with the envelope content type.
func JSON(status int, body []byte, headers map[string]string, elide bool) Response {
	return Response{
		Status:      status,
		ContentType: "application/json; charset=utf-8",
		Body:        body,
		Headers:     headers,
		Elide:       elide,
	}
}

// Plain builds a text/plain response.
func Plain(status int, body string, headers map[string]string, elide bool) Response {
	return Response{
		Status:      status,
		ContentType: "text/plain; charset=utf-8",
		Body:        []byte(body),
		Headers:     headers,
		Elide:       elide,
	}
}

func StatusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 400:
		return "Bad Request"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 409:
		return "Conflict"
	case 413:
		return "Request Entity Too Large"
	case 500:
		return "Internal Server Error"
	case 503:
		return "Service Unavailable"
	case 504:
		return "Gateway Timeout"
	default:
		return "OK"
	}
}
