package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/roundhouse/internal/recovery"
	"github.com/zulandar/roundhouse/internal/session"
)

func newSendCmd() *cobra.Command {
	var (
		configPath string
		userID     int64
		workDir    string
		fresh      bool
	)

	cmd := &cobra.Command{
		Use:   "send [text...]",
		Short: "Send one turn and print the reply",
		Long: "Runs a single exchange for the given user and thread, resuming the stored " +
			"session when one exists, then stops the process.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			threadID, err := threadFlag(cmd)
			if err != nil {
				return err
			}
			return runSend(cmd, configPath, session.NewKey(userID, threadID), workDir, fresh, strings.Join(args, " "))
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to roundhouse config file")
	addKeyFlags(cmd, &userID)
	cmd.Flags().StringVarP(&workDir, "dir", "d", "", "working directory (defaults to the stored one, then the sandbox root)")
	cmd.Flags().BoolVar(&fresh, "fresh", false, "ignore the stored session and start a new one")
	return cmd
}

func runSend(cmd *cobra.Command, configPath string, key session.Key, workDir string, fresh bool, text string) error {
	out := cmd.OutOrStdout()
	ctx := context.Background()

	a, err := openApp(configPath)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	if workDir != "" {
		if err := a.sandbox.Check(workDir); err != nil {
			return err
		}
	}

	res := recovery.Resolution{WorkDir: a.sandbox.Root()}
	if fresh {
		if err := a.store.ClearActive(ctx, key.UserID, key.Thread()); err != nil {
			return err
		}
	} else {
		res, err = a.store.Recover(ctx, key.UserID, key.Thread(), a.sandbox.Root(), a.sandbox)
		if err != nil {
			return err
		}
		if res.Rejected != nil && workDir == "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v; using %s\n", res.Rejected, res.WorkDir)
		}
	}
	if workDir != "" {
		res.WorkDir = workDir
	}

	result, err := a.mux.Send(ctx, key, session.Turn{WorkDir: res.WorkDir, Text: text, ResumeID: res.SessionID})
	if err != nil {
		if errors.Is(err, session.ErrExchangeTimeout) {
			return fmt.Errorf("no reply within %s: %w", a.cfg.Claude.ReadTimeout, err)
		}
		return err
	}

	fmt.Fprintln(out, result.Content)
	fmt.Fprintf(out, "\n[session %s | %s | cost $%.4f | turns %d]\n",
		result.SessionID, key, result.CostUSD, result.NumTurns)
	return nil
}
