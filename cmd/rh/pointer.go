package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newPointerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pointer",
		Short: "Inspect and clear stored session pointers",
		Long:  "A pointer records the last protocol session id and working directory for a user and thread.",
	}

	cmd.AddCommand(newPointerGetCmd())
	cmd.AddCommand(newPointerClearCmd())
	cmd.AddCommand(newPointerListCmd())
	return cmd
}

func newPointerGetCmd() *cobra.Command {
	var (
		configPath string
		userID     int64
	)

	cmd := &cobra.Command{
		Use:   "get",
		Short: "Show the pointer for a user and thread",
		RunE: func(cmd *cobra.Command, args []string) error {
			threadID, err := threadFlag(cmd)
			if err != nil {
				return err
			}
			store, closeFn, err := openStore(configPath)
			if err != nil {
				return err
			}
			defer closeFn()

			p, ok, err := store.GetActive(context.Background(), userID, threadID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no pointer for user %d thread %s", userID, formatThread(threadID))
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Session:   %s\n", p.SessionID)
			fmt.Fprintf(out, "Directory: %s\n", p.WorkDir)
			fmt.Fprintf(out, "Updated:   %s\n", p.UpdatedAt.Local().Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to roundhouse config file")
	addKeyFlags(cmd, &userID)
	return cmd
}

func newPointerClearCmd() *cobra.Command {
	var (
		configPath string
		userID     int64
	)

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Forget the pointer for a user and thread",
		RunE: func(cmd *cobra.Command, args []string) error {
			threadID, err := threadFlag(cmd)
			if err != nil {
				return err
			}
			store, closeFn, err := openStore(configPath)
			if err != nil {
				return err
			}
			defer closeFn()

			if err := store.ClearActive(context.Background(), userID, threadID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared pointer for user %d thread %s\n", userID, formatThread(threadID))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to roundhouse config file")
	addKeyFlags(cmd, &userID)
	return cmd
}

func newPointerListCmd() *cobra.Command {
	var (
		configPath string
		userID     int64
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every pointer for a user, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := openStore(configPath)
			if err != nil {
				return err
			}
			defer closeFn()

			pointers, err := store.ListActive(context.Background(), userID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(pointers) == 0 {
				fmt.Fprintf(out, "No pointers for user %d\n", userID)
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "THREAD\tSESSION\tDIRECTORY\tUPDATED")
			for _, p := range pointers {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", formatThread(p.ThreadID), p.SessionID, p.WorkDir,
					p.UpdatedAt.Local().Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to roundhouse config file")
	cmd.Flags().Int64VarP(&userID, "user", "u", 0, "user id (required)")
	cmd.MarkFlagRequired("user")
	return cmd
}
