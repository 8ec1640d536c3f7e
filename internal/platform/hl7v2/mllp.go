package hl7v2

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// StartBlock is the MLLP start-of-message byte (VT / vertical tab).
	StartBlock = 0x0B

	// EndBlock is the MLLP end-of-message byte (FS / file separator).
	EndBlock = 0x1C

	// CarriageReturn trails the end block.
	CarriageReturn = 0x0D

	// maxBufferSize caps the per-connection receive buffer (1 MB).
	maxBufferSize = 1 << 20

	acceptPollInterval = 500 * time.Millisecond
	connReadTimeout    = 10 * time.Second
	stopJoinTimeout    = 2 * time.Second
)

var endSeq = []byte{EndBlock, CarriageReturn}

// Frame wraps raw HL7 bytes in MLLP framing: <VT> payload <FS><CR>.
func Frame(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+3)
	out = append(out, StartBlock)
	out = append(out, payload...)
	out = append(out, EndBlock, CarriageReturn)
	return out
}

// SplitFrames extracts every complete MLLP frame from buf. No framing byte
// appears in the returned payloads. When buf contains no frame markers at
// all, the whole buffer is returned as a single message, for senders that
// skip framing entirely.
func SplitFrames(buf []byte) [][]byte {
	var frames [][]byte
	rest := buf
	for {
		frame, remaining, ok := NextFrame(rest)
		if !ok {
			break
		}
		frames = append(frames, frame)
		rest = remaining
	}
	if frames == nil && len(bytes.TrimSpace(buf)) > 0 {
		return [][]byte{buf}
	}
	return frames
}

// NextFrame extracts the first complete frame from buf, returning the
// payload, the bytes after the frame, and whether a complete frame was found.
func NextFrame(buf []byte) (payload, rest []byte, found bool) {
	start := bytes.IndexByte(buf, StartBlock)
	if start == -1 {
		return nil, buf, false
	}
	end := bytes.Index(buf[start+1:], endSeq)
	if end == -1 {
		return nil, buf, false
	}
	end += start + 1
	return buf[start+1 : end], buf[end+2:], true
}

// FixedACK returns the framed positive acknowledgment sent after every
// received frame: a minimal MSH/MSA envelope with result AA and control id 1.
func FixedACK(now time.Time) []byte {
	msg := "MSH|^~\\&|LIM|SERVER|||" + now.Format("20060102150405") +
		"||ACK^A01|1|P|2.3\rMSA|AA|1\r"
	return Frame([]byte(msg))
}

// MessageFunc is invoked once per received frame with the payload and the
// path of the persisted .hl7 file.
type MessageFunc func(payload []byte, savedPath string)

// Server receives MLLP-framed HL7 messages over TCP. Each frame is persisted
// to saveDir under a collision-free name, acknowledged with FixedACK, and
// handed to the callback.
type Server struct {
	host      string
	port      int
	saveDir   string
	onMessage MessageFunc
	log       zerolog.Logger

	mu      sync.Mutex
	ln      net.Listener
	done    chan struct{}
	running bool
	wg      sync.WaitGroup
}

// NewServer creates a server listening on host:port that saves frames into
// saveDir. onMessage may be nil.
func NewServer(host string, port int, saveDir string, onMessage MessageFunc, log zerolog.Logger) *Server {
	return &Server{
		host:      host,
		port:      port,
		saveDir:   saveDir,
		onMessage: onMessage,
		log:       log.With().Str("component", "mllp").Logger(),
	}
}

// Start binds the listening socket and launches the accept loop. Calling
// Start while the server is already running is a no-op. A bind failure
// (e.g. port in use) is returned as an error; the server stays stopped.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	if err := os.MkdirAll(s.saveDir, 0o755); err != nil {
		return fmt.Errorf("mllp: create save dir %s: %w", s.saveDir, err)
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(s.host, fmt.Sprintf("%d", s.port)))
	if err != nil {
		return fmt.Errorf("mllp: listen on %s:%d: %w", s.host, s.port, err)
	}

	s.ln = ln
	s.done = make(chan struct{})
	s.running = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ln, s.done)
	}()

	s.log.Info().Str("addr", ln.Addr().String()).Msg("mllp server started")
	return nil
}

// Addr returns the bound listener address, useful when started on port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return net.JoinHostPort(s.host, fmt.Sprintf("%d", s.port))
}

// Running reports whether the accept loop is active.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stop signals shutdown, unblocks a pending accept by dialing the listener,
// closes the socket, and waits a bounded time for the accept loop to exit.
// Connection handlers are detached and are not waited on; Stop never hangs
// on an unresponsive client. Safe to call from any goroutine, and a no-op
// when the server is not running.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	done := s.done
	ln := s.ln
	s.ln = nil
	s.mu.Unlock()

	close(done)

	// Poke the accept loop awake before closing the socket.
	if conn, err := net.DialTimeout("tcp", ln.Addr().String(), 200*time.Millisecond); err == nil {
		conn.Close()
	}
	ln.Close()

	joined := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(stopJoinTimeout):
		s.log.Warn().Msg("mllp accept loop did not exit before timeout")
	}

	s.log.Info().Msg("mllp server stopped")
}

func (s *Server) acceptLoop(ln net.Listener, done chan struct{}) {
	for {
		// A short deadline keeps the loop responsive to Stop.
		if tl, ok := ln.(*net.TCPListener); ok {
			tl.SetDeadline(time.Now().Add(acceptPollInterval))
		}

		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			s.log.Error().Err(err).Msg("accept failed")
			return
		}

		select {
		case <-done:
			conn.Close()
			return
		default:
		}

		go s.handleConn(conn, done)
	}
}

// handleConn reads from one connection until the peer closes, extracting and
// dispatching each complete frame as it arrives. If the peer never framed
// anything, the accumulated bytes are treated as a single message on close.
// Errors on one connection are isolated from the listener and its peers.
func (s *Server) handleConn(conn net.Conn, done chan struct{}) {
	defer conn.Close()

	peer := conn.RemoteAddr().String()
	log := s.log.With().Str("peer", peer).Logger()
	log.Debug().Msg("connection accepted")

	buf := make([]byte, 0, 4096)
	readBuf := make([]byte, 4096)
	frameIdx := 0

	for {
		select {
		case <-done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(connReadTimeout))
		n, err := conn.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)
			if len(buf) > maxBufferSize {
				log.Warn().Msg("receive buffer exceeded limit, dropping connection")
				return
			}
			for {
				frame, rest, ok := NextFrame(buf)
				if !ok {
					break
				}
				buf = rest
				frameIdx++
				s.deliver(conn, log, peer, frameIdx, frame)
			}
		}
		if err != nil {
			// Deadline expiry just re-arms the loop; idle peers stay connected.
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			break
		}
	}

	if frameIdx == 0 && len(bytes.TrimSpace(buf)) > 0 {
		s.deliver(conn, log, peer, 1, buf)
	}
}

func (s *Server) deliver(conn net.Conn, log zerolog.Logger, peer string, idx int, payload []byte) {
	path, err := s.saveFrame(peer, idx, payload)
	if err != nil {
		log.Error().Err(err).Msg("persist frame failed")
	} else {
		log.Info().Str("file", filepath.Base(path)).Int("bytes", len(payload)).Msg("message received")
	}

	if s.onMessage != nil {
		s.onMessage(payload, path)
	}

	// Best-effort ACK; a peer that already went away is not an error.
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write(FixedACK(time.Now())); err != nil {
		log.Debug().Err(err).Msg("ack not delivered")
	}
}

// saveFrame writes one payload under a unique name:
// <timestamp>_tcp_<peer-ip>_<peer-port>_m<index>_<random8>.hl7
func (s *Server) saveFrame(peer string, idx int, payload []byte) (string, error) {
	host, port, err := net.SplitHostPort(peer)
	if err != nil {
		host, port = peer, "0"
	}
	host = strings.ReplaceAll(host, ":", "_")

	name := fmt.Sprintf("%s_tcp_%s_%s_m%d_%s.hl7",
		time.Now().Format("20060102-150405"),
		host, port, idx, uuid.NewString()[:8])
	path := filepath.Join(s.saveDir, name)
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}
