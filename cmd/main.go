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
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/courierhq/courier"
	"github.com/courierhq/courier/config"
	"github.com/courierhq/courier/database"
	"github.com/courierhq/courier/internal/notification"
)

// Courier is the CLI application, wrapping the root cobra command.
type Courier struct {
	cmd *cobra.Command
}

// courierInstance holds the runtime pipeline shared by every subcommand.
type courierInstance struct {
	courier   *courier.Courier
	telemetry courier.Telemetry
	cnf       *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration file and builds the pipeline before any command runs.
func preRun(app *courierInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig(*configFile)
		if err != nil {
			log.Fatal("error loading config: ", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		telemetry := courier.NewTelemetry(cnf)
		c, err := setupCourier(cnf, telemetry)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.courier = c
		app.telemetry = telemetry
		app.cnf = cnf
		return nil
	}
}

// setupCourier connects to the message store and wires the pipeline around it.
func setupCourier(cfg *config.Configuration, telemetry courier.Telemetry) (*courier.Courier, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	c, err := courier.NewCourier(db, courier.WithConfig(cfg), courier.WithTelemetry(telemetry))
	if err != nil {
		return nil, fmt.Errorf("error creating courier: %v", err)
	}
	return c, nil
}

// NewCLI builds the root command and registers every subcommand.
func NewCLI() *Courier {
	var configFile string
	c := &courierInstance{}

	var rootCmd = &cobra.Command{
		Use:   "courier",
		Short: "Outbound message delivery pipeline",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./courier.json", "Configuration file for courier")
	rootCmd.PersistentPreRunE = preRun(c, &configFile)

	rootCmd.AddCommand(serverCommands(c))
	rootCmd.AddCommand(workerCommands(c))
	rootCmd.AddCommand(dispatchCommands(c))
	rootCmd.AddCommand(migrateCommands(c))
	rootCmd.AddCommand(configCommands(c))

	return &Courier{cmd: rootCmd}
}

func (w Courier) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
