package relay

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds one class of relay operation. Delays double from
// BaseDelay up to MaxDelay, without jitter.
type RetryPolicy struct {
	Attempts  int           `yaml:"attempts"`
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
}

// Policies groups the retry budgets by operation class.
type Policies struct {
	// Write covers create, answer, accept, reject and restart writes.
	Write RetryPolicy `yaml:"write"`
	// Terminal covers end and cleanup, which must eventually happen.
	Terminal RetryPolicy `yaml:"terminal"`
	// Candidate covers candidate appends, which are frequent and
	// loss-tolerant.
	Candidate RetryPolicy `yaml:"candidate"`
}

func DefaultPolicies() Policies {
	return Policies{
		Write:     RetryPolicy{Attempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 4 * time.Second},
		Terminal:  RetryPolicy{Attempts: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 8 * time.Second},
		Candidate: RetryPolicy{Attempts: 2, BaseDelay: 250 * time.Millisecond, MaxDelay: time.Second},
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()

	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// Delays lists the waits between attempts under p.
func (p RetryPolicy) Delays() []time.Duration {
	b := p.backOff(context.Background())
	var out []time.Duration
	for {
		d := b.NextBackOff()
		if d == backoff.Stop {
			return out
		}
		out = append(out, d)
	}
}
