// Package wol powers on a sleeping database host and blocks until MySQL accepts TCP
// connections on it.
package wol

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/blastware/sqlrollback/internal/models"
	"github.com/mdlayher/wol"
	"github.com/rs/zerolog"
)

const (
	discardPort         = "9"
	defaultPollInterval = 2 * time.Second
)

// Service wakes the database host before a dump or restore connects to it.
type Service interface {
	Wake(ctx context.Context, cfg models.WOLConfig) (*models.WOLResult, error)
}

// Sender emits the magic packet.
type Sender interface {
	Send(broadcastIP string, mac net.HardwareAddr) error
}

// Dialer opens TCP connections to the MySQL port. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// UDPSender broadcasts the magic packet to the discard port with mdlayher/wol.
type UDPSender struct{}

// Send broadcasts one magic packet for mac.
func (UDPSender) Send(broadcastIP string, mac net.HardwareAddr) error {
	ip := net.ParseIP(broadcastIP)
	if ip == nil {
		return fmt.Errorf("broadcast address %q is not an IP", broadcastIP)
	}

	client, err := wol.NewClient()
	if err != nil {
		return fmt.Errorf("opening magic packet socket: %w", err)
	}
	defer func() { _ = client.Close() }()

	if err := client.Wake(net.JoinHostPort(ip.String(), discardPort), mac); err != nil {
		return fmt.Errorf("broadcasting magic packet to %s: %w", broadcastIP, err)
	}
	return nil
}

// Impl implements Service.
type Impl struct {
	sender Sender
	dialer Dialer
	logger zerolog.Logger
}

// New returns a service that broadcasts over UDP and dials MySQL with a 3s connect timeout.
func New(logger zerolog.Logger) *Impl {
	return NewWithDeps(logger, UDPSender{}, &net.Dialer{Timeout: 3 * time.Second})
}

// NewWithDeps returns a service using the given sender and dialer.
func NewWithDeps(logger zerolog.Logger, sender Sender, dialer Dialer) *Impl {
	return &Impl{
		sender: sender,
		dialer: dialer,
		logger: logger,
	}
}

// Wake powers on the host owning cfg.MACAddress. Without cfg.Target the host counts as ready
// once the packet is out. Otherwise Wake dials cfg.Target until MySQL accepts a connection
// and then gives the server cfg.StabilizeWait to finish starting.
//
// Failures are reported in the result's Error; the returned error is always nil.
func (s *Impl) Wake(ctx context.Context, cfg models.WOLConfig) (*models.WOLResult, error) {
	start := time.Now()
	result := &models.WOLResult{}
	finish := func(err error) (*models.WOLResult, error) {
		result.Error = err
		result.WaitDuration = time.Since(start)
		return result, nil
	}

	mac, err := net.ParseMAC(cfg.MACAddress)
	if err != nil {
		return finish(fmt.Errorf("invalid MAC address %q: %w", cfg.MACAddress, err))
	}

	logger := s.logger.With().Str("mac", mac.String()).Logger()
	logger.Info().Str("broadcast", cfg.BroadcastIP).Msg("waking database host")

	if err := s.sender.Send(cfg.BroadcastIP, mac); err != nil {
		return finish(err)
	}
	result.PacketSent = true

	if cfg.Target == "" {
		logger.Info().Msg("magic packet sent, not waiting for mysql")
		result.TargetReady = true
		return finish(nil)
	}

	attempts, err := s.awaitPort(ctx, cfg)
	if err != nil {
		logger.Warn().Err(err).Str("target", cfg.Target).Int("attempts", attempts).Msg("database host did not come up")
		return finish(err)
	}
	logger.Info().
		Str("target", cfg.Target).
		Int("attempts", attempts).
		Dur("elapsed", time.Since(start)).
		Msg("mysql port accepting connections")

	if cfg.StabilizeWait > 0 {
		logger.Debug().Dur("wait", cfg.StabilizeWait).Msg("letting mysql finish startup")
		if err := pause(ctx, cfg.StabilizeWait); err != nil {
			return finish(err)
		}
	}

	result.TargetReady = true
	return finish(nil)
}

// awaitPort dials cfg.Target every poll interval until a connection succeeds or cfg.Timeout
// passes. It returns the number of dials made.
func (s *Impl) awaitPort(ctx context.Context, cfg models.WOLConfig) (int, error) {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	deadline := time.NewTimer(cfg.Timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		conn, err := s.dialer.DialContext(ctx, "tcp", cfg.Target)
		if err == nil {
			_ = conn.Close()
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
		s.logger.Debug().Err(err).Int("attempt", attempt).Str("target", cfg.Target).Msg("mysql port still closed")

		select {
		case <-ctx.Done():
			return attempt, ctx.Err()
		case <-deadline.C:
			return attempt, fmt.Errorf("database host %s not reachable after %s", cfg.Target, cfg.Timeout)
		case <-ticker.C:
		}
	}
}

func pause(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
