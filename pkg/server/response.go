/*
 * hls-relay is a caching relay proxy for live HLS IPTV channels.
 * Copyright (C) 2026  Lucas Duport
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package server

import (
	"fmt"
	"io"
)

var statusText = map[int]string{
	200: "OK",
	400: "Bad Request",
	404: "Not Found",
	405: "Method Not Allowed",
	500: "Internal Server Error",
	502: "Bad Gateway",
	504: "Gateway Timeout",
}

// writeResponse sends a complete response with Content-Length framing.
// Connections are not reused, so Connection: close is always advertised.
func writeResponse(w io.Writer, status int, contentType string, body []byte) error {
	text, ok := statusText[status]
	if !ok {
		text = "Unknown"
	}
	_, err := fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Type: %s\r\nContent-Length: %d\r\nConnection: close\r\n\r\n",
		status, text, contentType, len(body))
	if err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// writeError sends a short plain-text error response
func writeError(w io.Writer, status int, msg string) error {
	return writeResponse(w, status, "text/plain; charset=utf-8", []byte(msg+"\n"))
}

// chunkedWriter frames payload bytes as HTTP/1.1 chunked transfer coding.
// Chunks never exceed the configured ceiling so a slow client cannot pin a
// large buffer per write.
type chunkedWriter struct {
	w         io.Writer
	chunkSize int
}

// writeChunkedHeader sends the response head for a chunked segment response
func writeChunkedHeader(w io.Writer, status int, contentType string) error {
	text, ok := statusText[status]
	if !ok {
		text = "Unknown"
	}
	_, err := fmt.Fprintf(w, "HTTP/1.1 %d %s\r\nContent-Type: %s\r\nTransfer-Encoding: chunked\r\nConnection: close\r\n\r\n",
		status, text, contentType)
	return err
}

func newChunkedWriter(w io.Writer, chunkSize int) *chunkedWriter {
	return &chunkedWriter{w: w, chunkSize: chunkSize}
}

// Write frames p into one or more chunks. Implements io.Writer so payloads
// can be streamed through io.Copy.
func (c *chunkedWriter) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n := len(p)
		if n > c.chunkSize {
			n = c.chunkSize
		}
		if _, err := fmt.Fprintf(c.w, "%x\r\n", n); err != nil {
			return written, err
		}
		if _, err := c.w.Write(p[:n]); err != nil {
			return written, err
		}
		if _, err := io.WriteString(c.w, "\r\n"); err != nil {
			return written, err
		}
		written += n
		p = p[n:]
	}
	return written, nil
}

// Close sends the zero-length terminator chunk
func (c *chunkedWriter) Close() error {
	_, err := io.WriteString(c.w, "0\r\n\r\n")
	return err
}
