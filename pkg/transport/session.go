package transport

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/enermet/metercal/pkg/frame"
	"github.com/enermet/metercal/pkg/monitor"
)

const dialTimeout = 5 * time.Second

// Session is one TCP connection to one meter. Not safe for concurrent
// use; each meter session drives its own instance.
type Session struct {
	addr     string
	deviceID byte
	policy   Policy
	log      *logrus.Entry

	conn net.Conn
	// residue carries bytes read past the last complete frame.
	residue []byte
}

var _ Conn = (*Session)(nil)

// NewSession prepares a session for one meter. Open establishes the
// connection.
func NewSession(addr string, deviceID byte, policy Policy) *Session {
	if policy.Timeout <= 0 {
		policy.Timeout = DefaultPolicy().Timeout
	}
	if policy.Retries < 0 {
		policy.Retries = 0
	}
	return &Session{
		addr:     addr,
		deviceID: deviceID,
		policy:   policy,
		log:      logrus.WithField("meter", deviceID).WithField("addr", addr),
	}
}

// Open dials the meter. Failure is ErrConnection, fatal for this
// session only.
func (s *Session) Open() error {
	if s.conn != nil {
		return nil
	}
	conn, err := net.DialTimeout("tcp", s.addr, dialTimeout)
	if err != nil {
		return errors.Wrapf(ErrConnection, "dial %s: %v", s.addr, err)
	}
	s.conn = conn
	s.log.Debug("link opened")
	return nil
}

// Close tears the link down. Safe to call twice.
func (s *Session) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.log.Debug("link closed")
	return err
}

// Exchange sends req and waits for the matching response, retrying the
// identical request on timeout or corruption up to the policy's retry
// count. A reply that fails the checksum consumes a retry the same way a
// silent timeout does.
func (s *Session) Exchange(ctx context.Context, req frame.Frame) (frame.Frame, error) {
	if s.conn == nil {
		return frame.Frame{}, ErrConnection
	}
	raw, err := frame.EncodeFrame(req)
	if err != nil {
		return frame.Frame{}, err
	}

	var lastErr error
	attempts := s.policy.Retries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return frame.Frame{}, err
		}
		resp, err := s.attempt(ctx, raw, req)
		if err == nil {
			monitor.Exchanges.Inc()
			return resp, nil
		}
		if errors.Is(err, ErrConnectionLost) {
			return frame.Frame{}, err
		}
		lastErr = err
		monitor.Retries.Inc()
		s.log.WithError(err).Debugf("exchange attempt %d/%d failed", attempt, attempts)
	}
	return frame.Frame{}, errors.Wrapf(ErrTimeout, "after %d attempts: %v", attempts, lastErr)
}

func (s *Session) attempt(ctx context.Context, raw []byte, req frame.Frame) (frame.Frame, error) {
	deadline := time.Now().Add(s.policy.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetDeadline(deadline); err != nil {
		return frame.Frame{}, errors.Wrap(ErrConnectionLost, err.Error())
	}
	if _, err := s.conn.Write(raw); err != nil {
		return frame.Frame{}, errors.Wrap(ErrConnectionLost, err.Error())
	}

	buf := append([]byte(nil), s.residue...)
	s.residue = nil
	tmp := make([]byte, 256)
	for {
		want, err := frame.FrameLength(buf)
		if err != nil {
			// Garbage lead byte; resync by discarding it.
			buf = buf[1:]
			continue
		}
		if want > 0 && len(buf) >= want {
			resp, rest, err := s.take(buf, want)
			buf = rest
			if err != nil {
				monitor.ChecksumErrors.Inc()
				return frame.Frame{}, err
			}
			if resp.DeviceID != req.DeviceID {
				// Another meter's chatter; keep waiting for ours.
				continue
			}
			if resp.Command != req.Command && resp.Command != req.Command|frame.ExceptionFlag {
				continue
			}
			s.residue = rest
			return resp, nil
		}

		n, err := s.conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			continue
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return frame.Frame{}, errors.Wrap(ErrTimeout, "no response")
			}
			return frame.Frame{}, errors.Wrap(ErrConnectionLost, err.Error())
		}
	}
}

func (s *Session) take(buf []byte, want int) (frame.Frame, []byte, error) {
	f, err := frame.Decode(buf[:want])
	rest := append([]byte(nil), buf[want:]...)
	return f, rest, err
}
