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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/courierhq/courier/config"
	redis_db "github.com/courierhq/courier/internal/redis-db"
	"github.com/courierhq/courier/model"
)

// TaskDispatch is the asynq task type that runs one dispatch invocation.
const TaskDispatch = "courier:dispatch"

// Queue represents the asynq client used for webhook delivery and scheduled
// dispatch tasks.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
	cfg       *config.Configuration
}

// DispatchTaskPayload mirrors model.DispatchRequest on the wire.
type DispatchTaskPayload struct {
	BatchSize       int  `json:"batch_size,omitempty"`
	Concurrency     int  `json:"concurrency,omitempty"`
	DryRun          bool `json:"dry_run,omitempty"`
	RetryFailedOnly bool `json:"retry_failed_only,omitempty"`
	Force           bool `json:"force,omitempty"`
}

// Request converts the payload into a dispatch request.
func (p DispatchTaskPayload) Request() model.DispatchRequest {
	return model.DispatchRequest{
		BatchSize:       p.BatchSize,
		Concurrency:     p.Concurrency,
		DryRun:          p.DryRun,
		RetryFailedOnly: p.RetryFailedOnly,
		Force:           p.Force,
	}
}

// NewQueue initializes a new Queue instance with the provided configuration.
func NewQueue(conf *config.Configuration) (*Queue, error) {
	opt, err := redis_db.QueueConnOpt(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, err
	}
	return &Queue{
		Client:    asynq.NewClient(opt),
		Inspector: asynq.NewInspector(opt),
		cfg:       conf,
	}, nil
}

// Close releases the client and inspector connections.
func (q *Queue) Close() error {
	ierr := q.Inspector.Close()
	cerr := q.Client.Close()
	return errors.Join(ierr, cerr)
}

// NewDispatchTask builds the task the scheduler and the queue enqueue.
func NewDispatchTask(payload DispatchTaskPayload, queue string) (*asynq.Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDispatch, raw, asynq.Queue(queue), asynq.MaxRetry(0)), nil
}

// EnqueueDispatch schedules a dispatch run. Runs requested within the same
// minute collapse into one task.
func (q *Queue) EnqueueDispatch(ctx context.Context, payload DispatchTaskPayload) error {
	task, err := NewDispatchTask(payload, q.cfg.Queue.DispatchQueue)
	if err != nil {
		return err
	}
	info, err := q.Client.EnqueueContext(ctx, task, asynq.Unique(time.Minute))
	if errors.Is(err, asynq.ErrDuplicateTask) {
		logrus.Info("dispatch already queued")
		return nil
	}
	if err != nil {
		return err
	}
	logrus.Infof(" [*] Successfully enqueued dispatch task %s", info.ID)
	return nil
}

// EnqueueWebhook queues an outbound webhook for ProcessWebhook.
func (q *Queue) EnqueueWebhook(ctx context.Context, hook NewWebhook) error {
	payload, err := json.Marshal(hook)
	if err != nil {
		return err
	}
	task := asynq.NewTask(q.cfg.Queue.WebhookQueue, payload, asynq.Queue(q.cfg.Queue.WebhookQueue), asynq.MaxRetry(5))
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		logrus.WithError(err).WithField("event", hook.Event).Error("failed to enqueue webhook")
		return err
	}
	logrus.Debugf("enqueued webhook %s as %s", hook.Event, info.ID)
	return nil
}

// PendingDispatches reports dispatch tasks waiting in the queue.
func (q *Queue) PendingDispatches() (int, error) {
	info, err := q.Inspector.GetQueueInfo(q.cfg.Queue.DispatchQueue)
	if err != nil {
		if errors.Is(err, asynq.ErrQueueNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return info.Pending + info.Scheduled, nil
}

// ProcessDispatch handles TaskDispatch. A malformed payload is not retried;
// a failed selection is left to the next scheduled run.
func (c *Courier) ProcessDispatch(ctx context.Context, task *asynq.Task) error {
	var payload DispatchTaskPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			logrus.Errorf("Error unmarshaling dispatch payload: %v", err)
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
	}

	summary, err := c.Dispatch(ctx, payload.Request())
	if err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"lease_id":     summary.LeaseID,
		"processed":    summary.Processed,
		"sent":         summary.Sent,
		"rate_limited": summary.RateLimited,
		"reason":       summary.Reason,
	}).Info("dispatch task finished")
	return nil
}
