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

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"

	"github.com/courierhq/courier"
	"github.com/courierhq/courier/config"
	redis_db "github.com/courierhq/courier/internal/redis-db"
)

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

func initializeQueues(cfg *config.Configuration) map[string]int {
	return map[string]int{
		cfg.Queue.WebhookQueue:  3,
		cfg.Queue.DispatchQueue: 1,
	}
}

func initializeWorkerServer(opt asynq.RedisClientOpt, queues map[string]int) *asynq.Server {
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: 2,
		Queues:      queues,
	})
}

func initializeTaskHandlers(c *courierInstance, mux *asynq.ServeMux) {
	mux.HandleFunc(c.cnf.Queue.WebhookQueue, courier.ProcessWebhook)
	mux.HandleFunc(courier.TaskDispatch, c.courier.ProcessDispatch)
}

// initializeScheduler registers the periodic dispatch trigger. It returns nil
// when no schedule is configured.
func initializeScheduler(cfg *config.Configuration, opt asynq.RedisClientOpt) (*asynq.Scheduler, error) {
	if cfg.Dispatch.Schedule == "" {
		return nil, nil
	}

	scheduler := asynq.NewScheduler(opt, &asynq.SchedulerOpts{Location: cfg.Location()})
	task, err := courier.NewDispatchTask(courier.DispatchTaskPayload{}, cfg.Queue.DispatchQueue)
	if err != nil {
		return nil, err
	}
	id, err := scheduler.Register(cfg.Dispatch.Schedule, task)
	if err != nil {
		return nil, fmt.Errorf("invalid dispatch schedule %q: %w", cfg.Dispatch.Schedule, err)
	}
	logrus.WithFields(logrus.Fields{"entry": id, "schedule": cfg.Dispatch.Schedule}).Info("dispatch scheduled")
	return scheduler, nil
}

// workerCommands defines the "workers" command. Workers deliver webhooks,
// run queued dispatch tasks and, when configured, enqueue the scheduled dispatch.
func workerCommands(c *courierInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start courier workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			defer c.courier.Close()

			if c.cnf.Redis.Dns == "" {
				log.Fatal("workers require redis.dns to be configured")
			}

			shutdown, err := initializeObservability(ctx, c, "workers")
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := shutdown(ctx); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()

			opt, err := redis_db.QueueConnOpt(c.cnf.Redis.Dns, c.cnf.Redis.SkipTLSVerify)
			if err != nil {
				log.Fatalf("error parsing Redis URL: %v", err)
			}

			srv := initializeWorkerServer(opt, initializeQueues(c.cnf))
			mux := asynq.NewServeMux()
			initializeTaskHandlers(c, mux)

			scheduler, err := initializeScheduler(c.cnf, opt)
			if err != nil {
				log.Fatal(err)
			}
			if scheduler != nil {
				if err := scheduler.Start(); err != nil {
					log.Fatalf("could not start scheduler: %v", err)
				}
				defer scheduler.Shutdown()
			}

			if q := c.courier.Queue(); q != nil {
				wakeCtx, cancel := context.WithCancel(ctx)
				defer cancel()
				startWakeListener(wakeCtx, c.cnf, func(ctx context.Context) error {
					return q.EnqueueDispatch(ctx, courier.DispatchTaskPayload{})
				})
			}

			h := asynqmon.New(asynqmon.Options{
				RootPath:     "/monitoring",
				RedisConnOpt: opt,
			})
			go func() {
				monitoringAddr := fmt.Sprintf(":%s", c.cnf.Queue.MonitoringPort)
				log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
				if err := http.ListenAndServe(monitoringAddr, h); err != nil {
					log.Fatalf("could not start asynqmon server: %v", err)
				}
			}()

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
