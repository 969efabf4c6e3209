package channel

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// ReasonSimulatedFailure is the reason carried by simulated failures
const ReasonSimulatedFailure = "simulated-failure"

// SimulatedError is returned when the simulator decides an attempt failed
type SimulatedError struct {
	Channel Channel
	Reason  string
}

func (e *SimulatedError) Error() string {
	return string(e.Channel) + ": " + e.Reason
}

// SimulatorConfig contains simulated provider behaviour
type SimulatorConfig struct {
	// Success probability per channel, 0.0 to 1.0
	Probabilities map[Channel]float64
	// Used for channels missing from Probabilities
	DefaultProbability float64
	MinLatency         time.Duration
	MaxLatency         time.Duration
}

// DefaultSimulatorConfig mirrors the rates observed from the demo providers
func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		Probabilities: map[Channel]float64{
			Email: 0.85,
			SMS:   0.60,
			InApp: 1.0,
		},
		DefaultProbability: 1.0,
		MinLatency:         300 * time.Millisecond,
		MaxLatency:         600 * time.Millisecond,
	}
}

// Simulator stands in for external email/SMS/in-app providers
type Simulator struct {
	mu     sync.RWMutex
	cfg    SimulatorConfig
	rnd    *rand.Rand
	rndMu  sync.Mutex
	logger *slog.Logger
}

// NewSimulator creates a simulator with the given behaviour
func NewSimulator(cfg SimulatorConfig, logger *slog.Logger) *Simulator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.MaxLatency < cfg.MinLatency {
		cfg.MaxLatency = cfg.MinLatency
	}
	probs := make(map[Channel]float64, len(cfg.Probabilities))
	for ch, p := range cfg.Probabilities {
		probs[ch] = clamp(p)
	}
	cfg.Probabilities = probs
	cfg.DefaultProbability = clamp(cfg.DefaultProbability)

	return &Simulator{
		cfg:    cfg,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		logger: logger,
	}
}

// SetProbability changes the success rate of a channel at runtime
func (s *Simulator) SetProbability(ch Channel, p float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Probabilities[ch] = clamp(p)
}

// Probability returns the success rate used for a channel
func (s *Simulator) Probability(ch Channel) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.cfg.Probabilities[ch]; ok {
		return p
	}
	return s.cfg.DefaultProbability
}

// Send waits a random latency and then succeeds with the channel's probability.
// Only this call blocks; concurrent sends do not wait on each other.
func (s *Simulator) Send(ctx context.Context, ch Channel, payload Payload) error {
	if delay := s.latency(); delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}

	p := s.Probability(ch)
	if s.float64() < p {
		s.logger.Debug("simulated delivery succeeded", "channel", ch, "user_id", payload.UserID)
		return nil
	}

	s.logger.Debug("simulated delivery failed", "channel", ch, "user_id", payload.UserID)
	return &SimulatedError{Channel: ch, Reason: ReasonSimulatedFailure}
}

func (s *Simulator) latency() time.Duration {
	s.mu.RLock()
	lo, hi := s.cfg.MinLatency, s.cfg.MaxLatency
	s.mu.RUnlock()
	if hi <= 0 {
		return 0
	}
	if hi == lo {
		return lo
	}
	s.rndMu.Lock()
	defer s.rndMu.Unlock()
	return lo + time.Duration(s.rnd.Int63n(int64(hi-lo)+1))
}

func (s *Simulator) float64() float64 {
	s.rndMu.Lock()
	defer s.rndMu.Unlock()
	return s.rnd.Float64()
}

func clamp(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}
