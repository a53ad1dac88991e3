package engine

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"

	"github.com/pion/rtp"

	"github.com/dkeye/confcast/internal/domain"
)

const portAttempts = 32

// allocatePortPair finds an even port whose odd neighbour is free as well:
// ffmpeg binds port+1 for RTCP.
func allocatePortPair(ip string) (int, error) {
	addr := net.ParseIP(ip)
	for range portAttempts {
		rtpConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: addr})
		if err != nil {
			return 0, err
		}
		port := rtpConn.LocalAddr().(*net.UDPAddr).Port
		if port%2 != 0 || port == 65535 {
			_ = rtpConn.Close()
			continue
		}
		rtcpConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: addr, Port: port + 1})
		_ = rtpConn.Close()
		if err != nil {
			continue
		}
		_ = rtcpConn.Close()
		return port, nil
	}
	return 0, fmt.Errorf("no free port pair on %s", ip)
}

// udpWriter sends relabelled RTP to a local port nobody may be listening on yet.
type udpWriter struct {
	conn *net.UDPConn
	pt   uint8
}

func (w *udpWriter) WriteRTP(p *rtp.Packet) error {
	raw, err := rewrite(p, w.pt).Marshal()
	if err != nil {
		return err
	}
	if _, err := w.conn.Write(raw); err != nil && !errors.Is(err, syscall.ECONNREFUSED) {
		return err
	}
	return nil
}

func (w *udpWriter) Close() { _ = w.conn.Close() }

type webrtcMirror struct {
	key      string
	producer string
	ip       string
	port     int
	params   domain.RTPParameters
	writer   *udpWriter
	relays   interface{ MarkSubscriberDelete(producer, dst string) }
	onClose  func()
	once     sync.Once
}

func newMirror(ip string, params domain.RTPParameters) (*webrtcMirror, error) {
	port, err := allocatePortPair(ip)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.ParseIP(ip), Port: port})
	if err != nil {
		return nil, err
	}
	return &webrtcMirror{
		key:    "mirror-" + domain.NewID(),
		ip:     ip,
		port:   port,
		params: params,
		writer: &udpWriter{conn: conn, pt: params.Codecs[0].PayloadType},
	}, nil
}

func (m *webrtcMirror) IP() string                          { return m.ip }
func (m *webrtcMirror) Port() int                           { return m.port }
func (m *webrtcMirror) RTPParameters() domain.RTPParameters { return m.params }

func (m *webrtcMirror) Close() {
	m.once.Do(func() {
		if m.relays != nil {
			m.relays.MarkSubscriberDelete(m.producer, m.key)
		}
		m.writer.Close()
		if m.onClose != nil {
			m.onClose()
		}
	})
}
