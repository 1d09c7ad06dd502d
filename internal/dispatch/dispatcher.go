// Package dispatch delivers staff replies back out to external channels.
// Delivery is best effort: one provider call, bounded by a timeout, never retried.
package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/suPer8Hu/supportdesk/internal/metrics"
)

type Sender interface {
	Channel() string
	Send(ctx context.Context, recipient, text string) error
}

type Dispatcher struct {
	senders map[string]Sender
	timeout time.Duration
	log     zerolog.Logger
}

func New(timeout time.Duration, log zerolog.Logger, senders ...Sender) *Dispatcher {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	d := &Dispatcher{
		senders: make(map[string]Sender, len(senders)),
		timeout: timeout,
		log:     log.With().Str("component", "dispatcher").Logger(),
	}
	for _, s := range senders {
		d.senders[s.Channel()] = s
	}
	return d
}

// Supports reports whether replies on channel leave the system.
func (d *Dispatcher) Supports(channel string) bool {
	_, ok := d.senders[strings.ToLower(channel)]
	return ok
}

// Send performs one delivery attempt. Failures are logged and reported as false.
func (d *Dispatcher) Send(ctx context.Context, channel, recipient, text string) bool {
	channel = strings.ToLower(channel)
	s, ok := d.senders[channel]
	if !ok {
		d.log.Warn().Str("channel", channel).Msg("no sender configured for channel")
		metrics.OutboundSendsTotal.WithLabelValues(channel, "unsupported").Inc()
		return false
	}
	if strings.TrimSpace(recipient) == "" {
		d.log.Warn().Str("channel", channel).Msg("outbound send without recipient")
		metrics.OutboundSendsTotal.WithLabelValues(channel, "failed").Inc()
		return false
	}

	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	err := s.Send(cctx, recipient, text)
	metrics.OutboundSendDuration.WithLabelValues(channel).Observe(time.Since(start).Seconds())
	if err != nil {
		d.log.Error().Err(err).
			Str("channel", channel).
			Str("recipient", recipient).
			Dur("cost", time.Since(start)).
			Msg("outbound send failed")
		metrics.OutboundSendsTotal.WithLabelValues(channel, "failed").Inc()
		return false
	}
	metrics.OutboundSendsTotal.WithLabelValues(channel, "ok").Inc()
	return true
}
