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
	"bufio"
	"fmt"
	"strings"
)

const (
	maxRequestLineBytes = 8 * 1024
	maxHeaderCount      = 64
)

// request is a minimally parsed HTTP/1.x request: the request line plus
// headers. Request bodies are never read; the relay only serves GETs.
type request struct {
	Method  string
	Path    string
	Proto   string
	Headers map[string]string
}

// UserAgent returns the User-Agent header, or empty
func (r *request) UserAgent() string {
	return r.Headers["user-agent"]
}

// ForwardedFor returns the X-Forwarded-For header, or empty
func (r *request) ForwardedFor() string {
	return r.Headers["x-forwarded-for"]
}

// readRequest parses one request off the wire. Only the request line and
// headers are consumed; malformed input returns an error and the connection
// is closed by the caller.
func readRequest(br *bufio.Reader) (*request, error) {
	line, err := readLimitedLine(br)
	if err != nil {
		return nil, err
	}

	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/") {
		return nil, fmt.Errorf("malformed request line %q", line)
	}
	req := &request{
		Method:  parts[0],
		Path:    parts[1],
		Proto:   parts[2],
		Headers: make(map[string]string),
	}

	for i := 0; i < maxHeaderCount; i++ {
		line, err := readLimitedLine(br)
		if err != nil {
			return nil, err
		}
		if line == "" {
			return req, nil
		}
		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			return nil, fmt.Errorf("malformed header line %q", line)
		}
		name := strings.ToLower(strings.TrimSpace(line[:colon]))
		req.Headers[name] = strings.TrimSpace(line[colon+1:])
	}
	return nil, fmt.Errorf("too many request headers")
}

func readLimitedLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return "", err
	}
	if len(line) > maxRequestLineBytes {
		return "", fmt.Errorf("request line exceeds %d bytes", maxRequestLineBytes)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// parseProxyPath splits a relay path /proxy/{channel}/{file} into its parts.
// The query string is preserved on the returned filename so upstream tokens
// survive; cache keys strip it later.
func parseProxyPath(path string) (channelID, file string, ok bool) {
	p := path
	if i := strings.IndexByte(p, '#'); i >= 0 {
		p = p[:i]
	}
	if !strings.HasPrefix(p, "/proxy/") {
		return "", "", false
	}
	rest := p[len("/proxy/"):]
	slash := strings.IndexByte(rest, '/')
	if slash <= 0 || slash == len(rest)-1 {
		return "", "", false
	}
	return rest[:slash], rest[slash+1:], true
}
