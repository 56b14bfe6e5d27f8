// Package udp provides network sink and source stages that carry RTP
// packets over UDP.
package udp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	"pipelined.dev/duplex/codec"
	"pipelined.dev/duplex/stage"
)

// Type names.
const (
	SinkName   = "udpsink"
	SourceName = "udpsrc"
)

// Parameters.
const (
	ParamHost     = "host"
	ParamPort     = "port"
	ParamAddress  = "address"
	ParamEncoding = "encoding"
)

// maxPacketSize is the size of receive buffer.
const maxPacketSize = 1500

// ErrMalformedPacket is returned wrapped into warning when datagram is
// not a valid RTP packet.
var ErrMalformedPacket = errors.New("malformed rtp packet")

// Types returns sink and source types.
func Types() []*stage.Type {
	return []*stage.Type{Sink(), Source()}
}

// Sink returns the type that sends RTP packets to the remote endpoint.
func Sink() *stage.Type {
	return &stage.Type{
		Name:   SinkName,
		Kind:   stage.NetworkSink,
		Inputs: []stage.Port{{Name: "sink", Format: stage.Format{Media: stage.RTP}}},
		Params: []stage.ParamSpec{
			{Key: ParamHost, Kind: stage.String, Default: "127.0.0.1", Doc: "remote host"},
			{Key: ParamPort, Kind: stage.Int, Default: 5000, Min: 1, Max: 65535, Doc: "remote port"},
		},
		New: func(s stage.Setup) (interface{}, error) {
			return &sink{
				address: net.JoinHostPort(s.Params.String(ParamHost), strconv.Itoa(s.Params.Int(ParamPort))),
				log:     logger(s),
			}, nil
		},
	}
}

// Source returns the type that receives RTP packets on the local port.
func Source() *stage.Type {
	encodings := []string{string(stage.L16), string(stage.G722), string(stage.OPUS)}
	return &stage.Type{
		Name:    SourceName,
		Kind:    stage.NetworkSource,
		Outputs: []stage.Port{{Name: "src", Format: stage.Format{Media: stage.RTP}}},
		Params: []stage.ParamSpec{
			{Key: ParamAddress, Kind: stage.String, Default: "0.0.0.0", Doc: "local address"},
			{Key: ParamPort, Kind: stage.Int, Default: 5000, Min: 0, Max: 65535, Doc: "local port, zero picks any"},
			{Key: ParamEncoding, Kind: stage.Enum, Default: string(stage.L16), Values: encodings, Doc: "expected encoding"},
		},
		Caps: func(p stage.Params) (stage.Format, stage.Format) {
			e := stage.Encoding(p.String(ParamEncoding))
			info, _ := codec.Lookup(e)
			return stage.Format{}, stage.Format{Media: stage.RTP, Encoding: e, SampleRate: info.ClockRate}
		},
		New: func(s stage.Setup) (interface{}, error) {
			return &Receiver{
				address: net.JoinHostPort(s.Params.String(ParamAddress), strconv.Itoa(s.Params.Int(ParamPort))),
				format:  s.Output,
				log:     logger(s),
			}, nil
		},
	}
}

func logger(s stage.Setup) logrus.FieldLogger {
	if s.Logger != nil {
		return s.Logger
	}
	return logrus.StandardLogger()
}

type sink struct {
	address string
	log     logrus.FieldLogger
	conn    *net.UDPConn
}

// Start dials the remote endpoint.
func (s *sink) Start(ctx context.Context) error {
	raddr, err := net.ResolveUDPAddr("udp", s.address)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", s.address, err)
	}
	s.conn, err = net.DialUDP("udp", nil, raddr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.address, err)
	}
	s.log.WithField("remote", raddr.String()).Debug("udp sink connected")
	return nil
}

// Write sends a single packet. Refused datagrams are not fatal: the peer
// may not listen yet.
func (s *sink) Write(b stage.Buffer) error {
	if b.Packet == nil {
		return nil
	}
	data, err := b.Packet.Marshal()
	if err != nil {
		return fmt.Errorf("marshal packet: %w", err)
	}
	if _, err := s.conn.Write(data); err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			return stage.Warning(err)
		}
		return err
	}
	return nil
}

// Flush closes the connection.
func (s *sink) Flush(context.Context) error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// Receiver reads RTP packets from the local port.
type Receiver struct {
	address string
	format  stage.Format
	log     logrus.FieldLogger
	buf     [maxPacketSize]byte

	mu   sync.Mutex
	conn *net.UDPConn
}

// Start binds the local port.
func (r *Receiver) Start(ctx context.Context) error {
	laddr, err := net.ResolveUDPAddr("udp", r.address)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", r.address, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", r.address, err)
	}
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
	r.log.WithField("local", conn.LocalAddr().String()).Debug("udp source listening")
	return nil
}

// LocalAddr returns the bound address.
func (r *Receiver) LocalAddr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr()
}

// Read receives a single datagram.
func (r *Receiver) Read(ctx context.Context) (stage.Buffer, error) {
	n, _, err := r.conn.ReadFromUDP(r.buf[:])
	if err != nil {
		// deadline is only set by Interrupt
		var ne net.Error
		if ctx.Err() != nil || errors.As(err, &ne) && ne.Timeout() {
			return stage.Buffer{}, io.EOF
		}
		return stage.Buffer{}, err
	}
	var pkt rtp.Packet
	if err := pkt.Unmarshal(append([]byte(nil), r.buf[:n]...)); err != nil {
		return stage.Buffer{}, stage.Warning(fmt.Errorf("%w: %v", ErrMalformedPacket, err))
	}
	return stage.Buffer{
		Format:    r.format,
		Packet:    &pkt,
		Timestamp: pkt.Timestamp,
	}, nil
}

// Interrupt unblocks pending Read.
func (r *Receiver) Interrupt() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		_ = r.conn.SetReadDeadline(time.Now())
	}
}

// Flush closes the socket.
func (r *Receiver) Flush(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	return err
}
