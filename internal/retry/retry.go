/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
// Package retry computes the delay between dispatch attempts of a failed message.
package retry

import (
	"math/rand"
	"sync"
	"time"

	"github.com/courierhq/courier/config"
)

// Policy is capped exponential backoff: min(Max, Base*2^n), plus optional jitter
// that never pushes the delay above Max.
type Policy struct {
	Base           time.Duration
	Max            time.Duration
	MaxRetries     int
	JitterFraction float64

	mu   sync.Mutex
	rand *rand.Rand
}

// NewPolicy builds a policy from the retry section of the configuration.
func NewPolicy(cfg config.RetryConfig) *Policy {
	return &Policy{
		Base:           time.Duration(cfg.BaseDelaySeconds) * time.Second,
		Max:            time.Duration(cfg.MaxDelaySeconds) * time.Second,
		MaxRetries:     cfg.MaxRetries,
		JitterFraction: cfg.JitterFraction,
		rand:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NextDelay returns the wait before the attempt following retryCount failures.
// NextDelay(0) is Base.
func (p *Policy) NextDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	d := p.Base
	for i := 0; i < retryCount; i++ {
		if d >= p.Max/2 {
			d = p.Max
			break
		}
		d *= 2
	}
	if d > p.Max {
		d = p.Max
	}

	if p.JitterFraction > 0 && d > 0 {
		d += time.Duration(p.float64() * p.JitterFraction * float64(d))
		if d > p.Max {
			d = p.Max
		}
	}
	return d
}

// Exhausted reports whether a failure that would bring the count to
// nextRetryCount must be treated as terminal.
func (p *Policy) Exhausted(nextRetryCount int) bool {
	return nextRetryCount > p.MaxRetries
}

func (p *Policy) float64() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rand == nil {
		p.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return p.rand.Float64()
}
