// SPDX-FileCopyrightText: Copyright 2025 Windlass Authors
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/windlass-dev/windlass/pkg/config"
	"github.com/windlass-dev/windlass/pkg/storage"
	"github.com/windlass-dev/windlass/pkg/storage/sqlite"
	"github.com/windlass-dev/windlass/pkg/workflow"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tasks and queue depth",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringSlice("state", nil, "Filter tasks by state (repeatable)")
	statusCmd.Flags().String("namespace", "", "Filter tasks by namespace")
	statusCmd.Flags().Int("limit", 50, "Maximum tasks to list")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return err
	}

	store, err := sqlite.NewStore(cmd.Context(), cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	states, _ := cmd.Flags().GetStringSlice("state")
	namespace, _ := cmd.Flags().GetString("namespace")
	limit, _ := cmd.Flags().GetInt("limit")

	filter := storage.ListTasksFilter{Namespace: namespace, Limit: limit}
	for _, s := range states {
		filter.States = append(filter.States, workflow.TaskState(s))
	}

	tasks, err := store.Tasks().ListTasks(cmd.Context(), filter)
	if err != nil {
		return err
	}
	depth, err := store.Queue().Depth(cmd.Context())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTASK\tSTATE\tCOMPLETE\tCLAIMED BY\tREQUESTED")
	for _, task := range tasks {
		claimedBy := task.ClaimedBy
		if claimedBy == "" {
			claimedBy = "-"
		}
		fmt.Fprintf(w, "%d\t%s/%s@%s\t%s\t%t\t%s\t%s\n",
			task.ID, task.Namespace, task.Name, task.Version,
			task.CurrentState, task.Complete, claimedBy,
			task.RequestedAt.Format("2006-01-02 15:04:05"))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Printf("\n%d task(s), %d queued pass(es)\n", len(tasks), depth)
	return nil
}
