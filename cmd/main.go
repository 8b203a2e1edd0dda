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

	"github.com/kassaflow/kassaflow"
	"github.com/kassaflow/kassaflow/config"
	"github.com/kassaflow/kassaflow/database"
	"github.com/kassaflow/kassaflow/internal/notification"
)

// Kassaflow represents the CLI application, encapsulating the root Cobra command.
type Kassaflow struct {
	cmd *cobra.Command // Root command for the CLI application
}

// kassaflowInstance holds the engine and its configuration for the
// duration of one command.
type kassaflowInstance struct {
	kassaflow *kassaflow.Kassaflow
	cnf       *config.Configuration
}

// recoverPanic handles any panics during program execution and logs the error using Logrus.
func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and builds the engine before any command runs.
func preRun(app *kassaflowInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig(*configFile)
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		engine, err := setupKassaflow(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.kassaflow = engine
		app.cnf = cnf

		return nil
	}
}

// setupKassaflow connects to the data source and builds the engine on top of it.
func setupKassaflow(cfg *config.Configuration) (*kassaflow.Kassaflow, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	engine, err := kassaflow.NewKassaflow(db)
	if err != nil {
		return nil, fmt.Errorf("error creating kassaflow: %v", err)
	}
	return engine, nil
}

// NewCLI creates the command-line interface with the server, worker,
// migration and maintenance subcommands.
func NewCLI() *Kassaflow {
	var configFile string
	k := &kassaflowInstance{}

	var rootCmd = &cobra.Command{
		Use:   "kassaflow",
		Short: "Fiscal receipt reconciliation engine",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./kassaflow.json", "Configuration file for kassaflow")

	rootCmd.PersistentPreRunE = preRun(k, &configFile)

	rootCmd.AddCommand(serverCommands(k))
	rootCmd.AddCommand(workerCommands(k))
	rootCmd.AddCommand(migrateCommands(k))
	rootCmd.AddCommand(repairCommands(k))
	rootCmd.AddCommand(reclassifyCommands(k))
	rootCmd.AddCommand(backfillCommands(k))
	rootCmd.AddCommand(configCommands())

	return &Kassaflow{cmd: rootCmd}
}

// executeCLI runs the root command, handling any errors that occur during execution.
func (w Kassaflow) executeCLI() {
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
