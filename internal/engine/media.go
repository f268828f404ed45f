package engine

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

// mediaPort owns the RTP socket of one call
type mediaPort struct {
	conn *net.UDPConn
	port int
	log  zerolog.Logger

	mu       sync.Mutex
	remote   *net.UDPAddr
	codec    codec
	transmit bool
	started  bool
	seq      uint16
	ts       uint32
	ssrc     uint32
	marker   bool

	sent     atomic.Uint64
	received atomic.Uint64

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// allocateMediaPort binds the first free UDP port in [min, max]; a zero range picks an ephemeral port
func allocateMediaPort(host string, min, max int, log zerolog.Logger) (*mediaPort, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		ip = net.IPv4zero
	}

	if min <= 0 || max < min {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip})
		if err != nil {
			return nil, fmt.Errorf("failed to bind RTP socket: %w", err)
		}
		return newMediaPort(conn, log), nil
	}

	for port := min; port <= max; port++ {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: port})
		if err != nil {
			continue // port in use
		}
		return newMediaPort(conn, log), nil
	}

	return nil, fmt.Errorf("no available RTP ports in range %d-%d", min, max)
}

func newMediaPort(conn *net.UDPConn, log zerolog.Logger) *mediaPort {
	port := conn.LocalAddr().(*net.UDPAddr).Port
	return &mediaPort{
		conn:     conn,
		port:     port,
		log:      log.With().Int("rtp_port", port).Logger(),
		transmit: true,
		seq:      uint16(rand.Uint32()),
		ts:       rand.Uint32(),
		ssrc:     rand.Uint32(),
		marker:   true,
		stop:     make(chan struct{}),
	}
}

// Port returns the bound local port
func (m *mediaPort) Port() int {
	return m.port
}

// configure sets the negotiated destination and codec
func (m *mediaPort) configure(remote *net.UDPAddr, c codec) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remote = remote
	m.codec = c
}

func (m *mediaPort) setTransmit(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if enabled && !m.transmit {
		m.marker = true
	}
	m.transmit = enabled
}

func (m *mediaPort) transmitting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transmit
}

// start launches the send and receive loops once
func (m *mediaPort) start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(2)
	go m.receiveLoop()
	go m.sendLoop()
}

func (m *mediaPort) receiveLoop() {
	defer m.wg.Done()
	buf := make([]byte, 1500)

	for {
		select {
		case <-m.stop:
			return
		default:
		}

		if err := m.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond)); err != nil {
			return
		}

		n, addr, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			m.log.Debug().Err(err).Msg("RTP read error")
			continue
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		m.received.Add(1)

		m.mu.Lock()
		if m.remote == nil {
			// symmetric RTP when the remote gave no usable address
			m.remote = addr
			m.log.Debug().Str("remote", addr.String()).Msg("Learned remote RTP address")
		}
		m.mu.Unlock()
	}
}

func (m *mediaPort) sendLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(ptime * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			data, remote := m.nextPacket()
			if data == nil {
				continue
			}
			if _, err := m.conn.WriteToUDP(data, remote); err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				m.log.Debug().Err(err).Msg("RTP write error")
				continue
			}
			m.sent.Add(1)
		}
	}
}

// nextPacket builds one packet of comfort silence; nil when muted or not negotiated
func (m *mediaPort) nextPacket() ([]byte, *net.UDPAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.remote == nil || m.codec.ClockRate == 0 {
		return nil, nil
	}

	samples := m.codec.samplesPerPacket()
	// timestamps keep advancing while muted so the receiver sees the gap
	defer func() { m.ts += uint32(samples) }()
	if !m.transmit {
		return nil, nil
	}

	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         m.marker,
			PayloadType:    m.codec.PayloadType,
			SequenceNumber: m.seq,
			Timestamp:      m.ts,
			SSRC:           m.ssrc,
		},
		Payload: bytes.Repeat([]byte{m.codec.Silence}, samples),
	}
	data, err := pkt.Marshal()
	if err != nil {
		return nil, nil
	}
	m.seq++
	m.marker = false
	return data, m.remote
}

// Close stops the loops and releases the socket
func (m *mediaPort) Close() {
	m.closeOnce.Do(func() {
		close(m.stop)
		_ = m.conn.Close()
		m.wg.Wait()
		m.log.Debug().
			Uint64("sent", m.sent.Load()).
			Uint64("received", m.received.Load()).
			Msg("Media port closed")
	})
}

// localIP returns the first non-loopback IPv4 address
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}

	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}

	return "127.0.0.1"
}
