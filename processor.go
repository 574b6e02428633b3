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

package courier

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/courierhq/courier/model"
)

// DispatchProcessor triggers Dispatch on a fixed interval. It is the
// in-process alternative to the asynq scheduler for deployments without Redis.
type DispatchProcessor struct {
	courier  *Courier
	interval time.Duration
	request  model.DispatchRequest
	stopCh   chan struct{}
	wake     chan struct{}
	wg       sync.WaitGroup
	running  bool
	mu       sync.Mutex
	onResult func(*model.DispatchSummary, error)
}

func NewDispatchProcessor(c *Courier, interval time.Duration, req model.DispatchRequest) *DispatchProcessor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &DispatchProcessor{
		courier:  c,
		interval: interval,
		request:  req,
		stopCh:   make(chan struct{}),
		wake:     make(chan struct{}, 1),
	}
}

// OnResult registers a callback invoked after every run.
func (p *DispatchProcessor) OnResult(fn func(*model.DispatchSummary, error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onResult = fn
}

func (p *DispatchProcessor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()

	logrus.Infof("Dispatch processor started, interval %s", p.interval)
}

func (p *DispatchProcessor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	logrus.Info("Dispatch processor stopped")
}

// Trigger requests a run ahead of the next tick. Triggers that arrive while
// one is already pending are merged into it.
func (p *DispatchProcessor) Trigger() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *DispatchProcessor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *DispatchProcessor) run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			logrus.Info("Dispatch processor context cancelled")
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.runOnce(ctx)
		case <-p.wake:
			p.runOnce(ctx)
		}
	}
}

func (p *DispatchProcessor) runOnce(ctx context.Context) {
	summary, err := p.courier.Dispatch(ctx, p.request)
	if err != nil {
		logrus.WithError(err).Error("scheduled dispatch failed")
	} else {
		logrus.WithFields(logrus.Fields{
			"lease_id":     summary.LeaseID,
			"processed":    summary.Processed,
			"sent":         summary.Sent,
			"failed":       summary.Failed,
			"rate_limited": summary.RateLimited,
			"reason":       summary.Reason,
		}).Info("scheduled dispatch finished")
	}

	p.mu.Lock()
	fn := p.onResult
	p.mu.Unlock()
	if fn != nil {
		fn(summary, err)
	}
}
