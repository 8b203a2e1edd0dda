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

	"github.com/spf13/cobra"

	"github.com/kassaflow/kassaflow"
)

func printReport(report interface{}) {
	data, err := json.MarshalIndent(report, "", "    ")
	if err != nil {
		log.Fatalf("Error printing report: %v\n", err)
	}
	fmt.Println(string(data))
}

func scopeFlags(cmd *cobra.Command, scope *kassaflow.RepairScope) {
	cmd.Flags().StringVar(&scope.UserID, "user", "", "only sales of this owner")
	cmd.Flags().Int64Var(&scope.OrderID, "order", 0, "only this order of --user")
}

func validateScope(scope kassaflow.RepairScope) error {
	if scope.OrderID != 0 && scope.UserID == "" {
		return fmt.Errorf("--order requires --user")
	}
	return nil
}

// repairCommands runs one repair pass and prints its report.
func repairCommands(k *kassaflowInstance) *cobra.Command {
	var scope kassaflow.RepairScope
	cmd := &cobra.Command{
		Use:   "repair",
		Short: "fill in missing receipts and receipt links",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateScope(scope); err != nil {
				return err
			}
			report, err := k.kassaflow.RunRepair(context.Background(), scope)
			printReport(report)
			return err
		},
	}
	scopeFlags(cmd, &scope)
	return cmd
}

// reclassifyCommands moves receipts recorded under the wrong role.
func reclassifyCommands(k *kassaflowInstance) *cobra.Command {
	var scope kassaflow.RepairScope
	cmd := &cobra.Command{
		Use:   "reclassify",
		Short: "move receipts recorded under the wrong column",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateScope(scope); err != nil {
				return err
			}
			report, err := k.kassaflow.Reclassify(context.Background(), scope)
			printReport(report)
			return err
		},
	}
	scopeFlags(cmd, &scope)
	return cmd
}

func backfillCommands(k *kassaflowInstance) *cobra.Command {
	return &cobra.Command{
		Use:   "backfill",
		Short: "replay the stored webhook log into the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := k.kassaflow.Backfill(context.Background())
			printReport(report)
			return err
		},
	}
}
