// Package redisstub runs a minimal in-process Redis server speaking enough
// RESP2 for the rate limiter and session store tests. Clients negotiating
// RESP3 receive an error reply to HELLO and fall back to the legacy handshake.
package redisstub

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password string
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string
	mu       sync.Mutex
	kv       map[string]*kvEntry
	closed   chan struct{}
}

type kvEntry struct {
	value  string
	expiry time.Time
}

func Start(opts Options) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	server := &Server{
		opts:     opts,
		listener: ln,
		addr:     ln.Addr().String(),
		kv:       make(map[string]*kvEntry),
		closed:   make(chan struct{}),
	}
	go server.serve()
	return server, nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return nil
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readArray(reader)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if err := writeError(writer, "ERR wrong number of arguments"); err != nil {
				return
			}
			continue
		}
		cmd := strings.ToUpper(args[0])
		var writeErr error
		switch cmd {
		case "PING":
			writeErr = writeSimpleString(writer, "PONG")
		case "HELLO":
			// RESP2 only; go-redis falls back to AUTH/SELECT on this reply.
			writeErr = writeError(writer, "ERR unknown command 'HELLO'")
		case "CLIENT":
			writeErr = writeSimpleString(writer, "OK")
		case "AUTH":
			ok := false
			switch len(args) {
			case 2:
				ok = s.opts.Password == "" || args[1] == s.opts.Password
			case 3:
				ok = s.opts.Password != "" && args[2] == s.opts.Password
			default:
				writeErr = writeError(writer, "ERR wrong number of arguments for 'auth'")
			}
			if writeErr == nil {
				if ok {
					authenticated = true
					writeErr = writeSimpleString(writer, "OK")
				} else {
					writeErr = writeError(writer, "WRONGPASS invalid username-password pair")
				}
			}
		case "SELECT":
			writeErr = writeSimpleString(writer, "OK")
		default:
			if !authenticated {
				writeErr = writeError(writer, "NOAUTH Authentication required.")
				break
			}
			writeErr = s.dispatch(writer, cmd, args)
		}
		if writeErr != nil {
			return
		}
	}
}

func (s *Server) dispatch(writer *bufio.Writer, cmd string, args []string) error {
	switch cmd {
	case "SET":
		if len(args) < 3 {
			return writeError(writer, "ERR wrong number of arguments for 'set'")
		}
		var ttl time.Duration
		for i := 3; i+1 < len(args); i += 2 {
			amount, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil {
				return writeError(writer, "ERR value is not an integer or out of range")
			}
			switch strings.ToUpper(args[i]) {
			case "EX":
				ttl = time.Duration(amount) * time.Second
			case "PX":
				ttl = time.Duration(amount) * time.Millisecond
			default:
				return writeError(writer, "ERR syntax error")
			}
		}
		s.set(args[1], args[2], ttl)
		return writeSimpleString(writer, "OK")
	case "GET":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'get'")
		}
		value, ok := s.get(args[1])
		if !ok {
			return writeBulkNil(writer)
		}
		return writeBulkString(writer, value)
	case "DEL":
		if len(args) < 2 {
			return writeError(writer, "ERR wrong number of arguments for 'del'")
		}
		return writeInteger(writer, s.del(args[1:]))
	case "INCR":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'incr'")
		}
		value, err := s.incr(args[1])
		if err != nil {
			return writeError(writer, "ERR value is not an integer or out of range")
		}
		return writeInteger(writer, value)
	case "EXPIRE":
		if len(args) != 3 {
			return writeError(writer, "ERR wrong number of arguments for 'expire'")
		}
		seconds, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil {
			return writeError(writer, "ERR invalid expire time")
		}
		return writeInteger(writer, s.expire(args[1], time.Duration(seconds)*time.Second))
	case "TTL":
		if len(args) != 2 {
			return writeError(writer, "ERR wrong number of arguments for 'ttl'")
		}
		return writeInteger(writer, s.ttl(args[1]))
	default:
		return writeError(writer, fmt.Sprintf("ERR unknown command '%s'", strings.ToLower(cmd)))
	}
}

func (s *Server) set(key, value string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := &kvEntry{value: value}
	if ttl > 0 {
		entry.expiry = time.Now().Add(ttl)
	}
	s.kv[key] = entry
}

func (s *Server) get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.liveEntry(key)
	if entry == nil {
		return "", false
	}
	return entry.value, true
}

func (s *Server) del(keys []string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for _, key := range keys {
		if s.liveEntry(key) != nil {
			removed++
		}
		delete(s.kv, key)
	}
	return removed
}

func (s *Server) incr(key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.liveEntry(key)
	if entry == nil {
		entry = &kvEntry{value: "0"}
		s.kv[key] = entry
	}
	value, err := strconv.ParseInt(entry.value, 10, 64)
	if err != nil {
		return 0, err
	}
	value++
	entry.value = strconv.FormatInt(value, 10)
	return value, nil
}

func (s *Server) expire(key string, ttl time.Duration) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.liveEntry(key)
	if entry == nil {
		return 0
	}
	entry.expiry = time.Now().Add(ttl)
	return 1
}

func (s *Server) ttl(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.liveEntry(key)
	if entry == nil {
		return -2
	}
	if entry.expiry.IsZero() {
		return -1
	}
	remaining := time.Until(entry.expiry)
	if remaining < time.Second {
		return 1
	}
	return int64(remaining / time.Second)
}

// liveEntry returns the entry for key, dropping it first if expired.
// Callers must hold s.mu.
func (s *Server) liveEntry(key string) *kvEntry {
	entry := s.kv[key]
	if entry == nil {
		return nil
	}
	if !entry.expiry.IsZero() && time.Now().After(entry.expiry) {
		delete(s.kv, key)
		return nil
	}
	return entry
}

func readArray(r *bufio.Reader) ([]string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if prefix != '*' {
		return nil, fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, length)
	for i := 0; i < length; i++ {
		arg, err := readBulkString(r)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

func readLength(r *bufio.Reader) (int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
	return strconv.Atoi(line)
}

func readBulkString(r *bufio.Reader) (string, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	if prefix != '$' {
		return "", fmt.Errorf("unexpected prefix %q", prefix)
	}
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length < 0 {
		return "", nil
	}
	buf := make([]byte, length+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf[:length]), nil
}

func writeSimpleString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "+%s\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkString(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value); err != nil {
		return err
	}
	return w.Flush()
}

func writeBulkNil(w *bufio.Writer) error {
	if _, err := w.WriteString("$-1\r\n"); err != nil {
		return err
	}
	return w.Flush()
}

func writeInteger(w *bufio.Writer, value int64) error {
	if _, err := fmt.Fprintf(w, ":%d\r\n", value); err != nil {
		return err
	}
	return w.Flush()
}

func writeError(w *bufio.Writer, msg string) error {
	if _, err := fmt.Fprintf(w, "-%s\r\n", msg); err != nil {
		return err
	}
	return w.Flush()
}
