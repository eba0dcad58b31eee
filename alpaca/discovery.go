package alpaca

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	DiscoveryPort    = 32227
	discoveryMessage = "alpacadiscovery1"
)

// Bridge is an Alpaca server found by discovery.
type Bridge struct {
	Host string
	Port int
}

// URL returns the base address of the bridge's REST API.
func (b Bridge) URL() string {
	return "http://" + net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

type discoveryReply struct {
	AlpacaPort int `json:"AlpacaPort"`
}

// Discover broadcasts discovery probes to target (host:port, usually
// 255.255.255.255:32227) until ctx is done and returns every bridge that
// replied.
func Discover(ctx context.Context, target string, logger log.FieldLogger) ([]Bridge, error) {
	dst, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve discovery address: %v", err)
	}

	sock, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("cannot bind discovery socket: %v", err)
	}
	defer sock.Close()

	seen := make(map[Bridge]bool)
	var bridges []Bridge
	buf := make([]byte, 1024)

	for {
		if ctx.Err() != nil {
			return bridges, nil
		}

		if _, err := sock.WriteToUDP([]byte(discoveryMessage), dst); err != nil {
			logger.Debugf("Error sending discovery probe: %v", err)
		}

		// Resend the probe periodically in case it was lost.
		sock.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
		for {
			n, addr, err := sock.ReadFromUDP(buf)
			if err != nil {
				var netErr net.Error
				if errors.As(err, &netErr) && netErr.Timeout() {
					break
				}
				return bridges, fmt.Errorf("error reading discovery reply: %v", err)
			}

			var reply discoveryReply
			if err := json.Unmarshal(buf[:n], &reply); err != nil || reply.AlpacaPort == 0 {
				logger.Debugf("Ignoring discovery reply from %s: %q", addr, buf[:n])
				continue
			}

			b := Bridge{Host: addr.IP.String(), Port: reply.AlpacaPort}
			if !seen[b] {
				seen[b] = true
				bridges = append(bridges, b)
				logger.Infof("Discovered Alpaca bridge at %s", b.URL())
			}
		}
	}
}

// DiscoveryResponder answers Alpaca discovery probes on behalf of a bridge.
type DiscoveryResponder struct {
	addr     string
	port     int
	response string
	logger   log.FieldLogger
}

// NewDiscoveryResponder creates a responder listening on addr:port that
// advertises alpacaPort.
func NewDiscoveryResponder(addr string, port, alpacaPort int, logger log.FieldLogger) *DiscoveryResponder {
	return &DiscoveryResponder{
		addr:     addr,
		port:     port,
		response: fmt.Sprintf(`{"AlpacaPort": %d}`, alpacaPort),
		logger:   logger,
	}
}

// Run serves discovery requests until ctx is cancelled.
func (d *DiscoveryResponder) Run(ctx context.Context) error {
	buf := make([]byte, 1024)

	deviceAddress, err := net.ResolveUDPAddr("udp", net.JoinHostPort(d.addr, strconv.Itoa(d.port)))
	if err != nil {
		return fmt.Errorf("cannot resolve device address: %v", err)
	}

	sock, err := net.ListenUDP("udp", deviceAddress)
	if err != nil {
		return fmt.Errorf("cannot bind receive socket: %v", err)
	}
	defer sock.Close()

	d.logger.Debugf("Discovery responder started on %s", deviceAddress.String())
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
			// Set a read deadline to periodically check for context cancellation
			sock.SetReadDeadline(time.Now().Add(1 * time.Second))

			n, addr, err := sock.ReadFromUDP(buf)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				d.logger.Debugf("Error reading from socket: %v", err)
				continue
			}

			data := string(buf[:n])
			d.logger.Debugf("Received %s from %s", data, addr.String())

			if strings.Contains(data, discoveryMessage) {
				if _, err := sock.WriteToUDP([]byte(d.response), addr); err != nil {
					d.logger.Errorf("Error writing to socket: %v", err)
				}
			}
		}
	}
}
