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
	"encoding/json"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/courierhq/courier/config"
)

const redacted = "********"

// redact blanks out credentials so the printed configuration can be shared.
func redact(cfg config.Configuration) config.Configuration {
	for _, s := range []*string{
		&cfg.Server.SecretKey,
		&cfg.Secrets.Dispatch,
		&cfg.Secrets.Callback,
		&cfg.Provider.SMSAPIKey,
		&cfg.Provider.ChatToken,
		&cfg.Telemetry.PosthogKey,
	} {
		if *s != "" {
			*s = redacted
		}
	}
	return cfg
}

func configCommands(c *courierInstance) *cobra.Command {
	var showSecrets bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "print the resolved courier configuration",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := *c.cnf
			if !showSecrets {
				cfg = redact(cfg)
			}

			data, err := json.MarshalIndent(cfg, "", "    ")
			if err != nil {
				log.Fatalf("Error printing config: %v\n", err)
			}

			fmt.Println(string(data))
		},
	}
	cmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "print credentials in clear text")
	return cmd
}
