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
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/courierhq/courier"
	"github.com/courierhq/courier/model"
)

func printSummary(summary *model.DispatchSummary) {
	data, err := json.MarshalIndent(summary, "", "    ")
	if err != nil {
		log.Printf("Error printing summary: %v", err)
		return
	}
	fmt.Println(string(data))
}

// dispatchCommands runs the dispatch worker from the command line, once or on
// an interval until interrupted. With --async the run is handed to the workers.
func dispatchCommands(c *courierInstance) *cobra.Command {
	var (
		payload  courier.DispatchTaskPayload
		interval time.Duration
		async    bool
	)

	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "deliver due messages",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			defer c.courier.Close()

			if async {
				q := c.courier.Queue()
				if q == nil {
					log.Fatal("--async requires redis.dns to be configured")
				}
				if err := q.EnqueueDispatch(ctx, payload); err != nil {
					log.Fatalf("Error enqueueing dispatch: %v", err)
				}
				fmt.Println("dispatch queued")
				return
			}

			if interval <= 0 {
				summary, err := c.courier.Dispatch(ctx, payload.Request())
				if err != nil {
					log.Fatalf("Error dispatching: %v", err)
				}
				printSummary(summary)
				return
			}

			p := courier.NewDispatchProcessor(c.courier, interval, payload.Request())
			p.OnResult(func(summary *model.DispatchSummary, err error) {
				if err == nil {
					printSummary(summary)
				}
			})
			p.Start(ctx)
			startWakeListener(ctx, c.cnf, func(context.Context) error {
				p.Trigger()
				return nil
			})
			<-ctx.Done()
			p.Stop()
		},
	}

	cmd.Flags().IntVar(&payload.BatchSize, "batch-size", 0, "messages to select per run (default from config)")
	cmd.Flags().IntVar(&payload.Concurrency, "concurrency", 0, "parallel deliveries (default from config)")
	cmd.Flags().BoolVar(&payload.DryRun, "dry-run", false, "mark messages sent without calling providers")
	cmd.Flags().BoolVar(&payload.RetryFailedOnly, "retry-failed-only", false, "only select failed messages awaiting retry")
	cmd.Flags().BoolVar(&payload.Force, "force", false, "ignore quiet hours and the dispatch lock")
	cmd.Flags().DurationVar(&interval, "interval", 0, "repeat the run on this interval until interrupted")
	cmd.Flags().BoolVar(&async, "async", false, "enqueue the run for the workers instead of running it here")

	return cmd
}
