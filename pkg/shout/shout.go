// Package shout pushes an encoded bitstream to an Icecast-family
// streaming server. The connection is a long-lived HTTP PUT source; Iter
// moves one buffer from the attached input to the server and paces the
// upload to the timing of the Ogg stream flowing through.
package shout

import (
	"bufio"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/CoolMicApp/libcoolmic-dsp/pkg/dsp"
	"github.com/CoolMicApp/libcoolmic-dsp/pkg/stream"
)

// clientVersion is the protocol client version reported in User-Agent.
const clientVersion = "2.4.6"

// TLSMode selects how the connection is secured.
type TLSMode int

const (
	// TLSModePlain never uses TLS.
	TLSModePlain TLSMode = 0
	// TLSModeAuto connects in plain text; no TLS upgrade is attempted.
	TLSModeAuto TLSMode = 1
	// TLSModeAutoNoPlain requires TLS, negotiated automatically.
	TLSModeAutoNoPlain TLSMode = 2
	// TLSModeImplicit speaks TLS from the first byte (RFC 2818 style).
	TLSModeImplicit TLSMode = 3
	// TLSModeUpgrade upgrades via HTTP Upgrade (RFC 2817 style).
	TLSModeUpgrade TLSMode = 4
)

// Config carries the connection settings passed through to the server.
type Config struct {
	Hostname   string
	Port       int
	TLSMode    TLSMode
	CADir      string
	CAFile     string
	ClientCert string
	Mount      string
	Username   string
	Password   string

	SoftwareName    string
	SoftwareVersion string
	SoftwareComment string
}

// UserAgent composes the User-Agent header, dropping absent fields.
func (c *Config) UserAgent() string {
	switch {
	case c.SoftwareName != "" && c.SoftwareVersion != "" && c.SoftwareComment != "":
		return fmt.Sprintf("%s/%s (%s) %s libshout/%s",
			c.SoftwareName, c.SoftwareVersion, c.SoftwareComment, dsp.Vendor, clientVersion)
	case c.SoftwareName != "" && c.SoftwareVersion != "":
		return fmt.Sprintf("%s/%s %s libshout/%s",
			c.SoftwareName, c.SoftwareVersion, dsp.Vendor, clientVersion)
	case c.SoftwareName != "":
		return fmt.Sprintf("%s %s libshout/%s", c.SoftwareName, dsp.Vendor, clientVersion)
	}
	return fmt.Sprintf("%s libshout/%s", dsp.Vendor, clientVersion)
}

// sendBuffer is how much Iter pulls from the input per step.
const sendBuffer = 1024

// Shout is the network sink stage.
type Shout struct {
	conf      Config
	haveConf  bool
	userAgent string

	conn net.Conn
	in   *stream.Handle

	// pending carries bytes a short write left behind.
	pending []byte

	needNextSegment bool

	buf   [sendBuffer]byte
	pacer pacer
}

// New creates an unconnected sink.
func New() *Shout {
	return &Shout{}
}

// SetConfig copies the connection settings. It must be called before
// Start.
func (s *Shout) SetConfig(conf *Config) error {
	if s == nil || conf == nil {
		return dsp.ErrFault
	}
	if conf.TLSMode < TLSModePlain || conf.TLSMode > TLSModeUpgrade {
		return fmt.Errorf("shout: tls mode %d: %w", conf.TLSMode, dsp.ErrInval)
	}
	if conf.TLSMode == TLSModeUpgrade {
		return fmt.Errorf("shout: tls upgrade: %w", dsp.ErrNoSys)
	}
	s.conf = *conf
	s.userAgent = conf.UserAgent()
	s.haveConf = true
	return nil
}

// Attach sets the input handle the sink consumes from. The previous
// reference is released; handle may be nil to detach.
func (s *Shout) Attach(h *stream.Handle) error {
	if s == nil {
		return dsp.ErrFault
	}
	if s.in != nil {
		s.in.Close()
	}
	if h != nil {
		h.Ref()
	}
	s.in = h
	return nil
}

// Start opens the source connection. Starting a connected sink is a
// no-op.
func (s *Shout) Start() error {
	if s == nil {
		return dsp.ErrFault
	}
	if s.conn != nil {
		return nil
	}
	if !s.haveConf {
		return fmt.Errorf("shout: no config: %w", dsp.ErrInval)
	}

	addr := net.JoinHostPort(s.conf.Hostname, strconv.Itoa(s.conf.Port))
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return mapDialError(err)
	}

	if s.conf.TLSMode >= TLSModeAutoNoPlain {
		conn, err = s.wrapTLS(conn)
		if err != nil {
			return err
		}
	}

	if err := s.handshake(conn); err != nil {
		conn.Close()
		return err
	}

	s.conn = conn
	s.pending = nil
	s.pacer.reset()
	dsp.Log().Info("shout: connected", "host", s.conf.Hostname, "mount", s.conf.Mount)
	return nil
}

// handshake sends the PUT source request and checks the response.
func (s *Shout) handshake(conn net.Conn) error {
	mount := s.conf.Mount
	if !strings.HasPrefix(mount, "/") {
		mount = "/" + mount
	}
	user := s.conf.Username
	if user == "" {
		user = "source"
	}
	auth := base64.StdEncoding.EncodeToString([]byte(user + ":" + s.conf.Password))

	var req strings.Builder
	fmt.Fprintf(&req, "PUT %s HTTP/1.1\r\n", mount)
	fmt.Fprintf(&req, "Host: %s:%d\r\n", s.conf.Hostname, s.conf.Port)
	fmt.Fprintf(&req, "Authorization: Basic %s\r\n", auth)
	fmt.Fprintf(&req, "User-Agent: %s\r\n", s.userAgent)
	req.WriteString("Content-Type: application/ogg\r\n")
	req.WriteString("Ice-Public: 0\r\n")
	req.WriteString("Expect: 100-continue\r\n")
	req.WriteString("\r\n")

	if _, err := conn.Write([]byte(req.String())); err != nil {
		return fmt.Errorf("shout: handshake: %w", dsp.ErrGeneric)
	}

	br := bufio.NewReader(conn)
	for {
		status, err := readResponse(br)
		if err != nil {
			return err
		}
		if status == 100 {
			continue
		}
		switch {
		case status >= 200 && status < 300:
			return nil
		case status == 401 || status == 403:
			return fmt.Errorf("shout: login refused (%d): %w", status, dsp.ErrPerm)
		default:
			return fmt.Errorf("shout: server status %d: %w", status, dsp.ErrGeneric)
		}
	}
}

// readResponse consumes one status line plus headers and returns the
// status code.
func readResponse(br *bufio.Reader) (int, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return 0, fmt.Errorf("shout: read response: %w", dsp.ErrGeneric)
	}
	fields := strings.Fields(line)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") {
		return 0, fmt.Errorf("shout: malformed response %q: %w", strings.TrimSpace(line), dsp.ErrGeneric)
	}
	status, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, fmt.Errorf("shout: malformed status %q: %w", fields[1], dsp.ErrGeneric)
	}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return 0, fmt.Errorf("shout: read headers: %w", dsp.ErrGeneric)
		}
		if strings.TrimSpace(line) == "" {
			return status, nil
		}
	}
}

func mapDialError(err error) error {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("shout: connect: %w", dsp.ErrConnRefused)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Errorf("shout: resolve: %w", dsp.ErrConnRefused)
	}
	return fmt.Errorf("shout: connect: %w", dsp.ErrGeneric)
}

// send writes with a bounded deadline; a timeout carries the unwritten
// tail over to the next Iter instead of blocking the worker.
func (s *Shout) send(data []byte) error {
	s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	n, err := s.conn.Write(data)
	s.conn.SetWriteDeadline(time.Time{})

	if n < len(data) {
		s.pending = append(s.pending[:0], data[n:]...)
	} else {
		s.pending = s.pending[:0]
	}

	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return nil
		}
		return fmt.Errorf("shout: send: %w", dsp.ErrGeneric)
	}
	return nil
}

// Iter moves one buffer from the input to the server: it flushes any
// carried bytes, pulls up to 1 KiB from the input, sends it and paces.
// NeedNextSegment is raised when the input had nothing to offer.
func (s *Shout) Iter() error {
	if s == nil {
		return dsp.ErrFault
	}
	if s.conn == nil {
		return fmt.Errorf("shout: iter: %w", dsp.ErrUnconnected)
	}

	if len(s.pending) > 0 {
		if err := s.send(s.pending); err != nil {
			return err
		}
		s.pacer.sleep()
		return nil
	}

	if s.in == nil {
		s.needNextSegment = true
		s.pacer.idle()
		return nil
	}

	n, err := s.in.Read(s.buf[:])
	if err != nil {
		return fmt.Errorf("shout: input: %w", err)
	}
	if n == 0 {
		s.needNextSegment = true
		s.pacer.idle()
		return nil
	}
	s.needNextSegment = false

	s.pacer.observe(s.buf[:n])
	if err := s.send(s.buf[:n]); err != nil {
		return err
	}

	s.pacer.sleep()
	return nil
}

// NeedNextSegment reports whether the most recent Iter pulled zero
// bytes, meaning the upstream has drained and should be swapped.
func (s *Shout) NeedNextSegment() bool {
	if s == nil {
		return false
	}
	return s.needNextSegment
}

// Stop closes the connection. Stopping an unconnected sink is a no-op.
func (s *Shout) Stop() error {
	if s == nil {
		return dsp.ErrFault
	}
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.pending = nil
	dsp.Log().Info("shout: disconnected", "host", s.conf.Hostname, "mount", s.conf.Mount)
	if err != nil {
		return fmt.Errorf("shout: close: %w", dsp.ErrGeneric)
	}
	return nil
}

// Connected reports whether the sink currently holds a connection.
func (s *Shout) Connected() bool {
	return s != nil && s.conn != nil
}
