package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/nightwatchhq/nightwatch/internal/board"
)

func boardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "board",
		Short: "GitHub Projects board utilities",
	}
	cmd.AddCommand(boardMoveIssueCmd())
	return cmd
}

// boardMoveIssueCmd is also the gateway's CLI fallback when the in-process
// board provider fails a move.
func boardMoveIssueCmd() *cobra.Command {
	var column string
	cmd := &cobra.Command{
		Use:   "move-issue <number>",
		Short: "Move a board issue to a column",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()

			number, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("issue number %q: %w", args[0], err)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Board.Enabled || cfg.Board.Owner == "" || cfg.Board.ProjectNumber <= 0 {
				return fmt.Errorf("board is not configured")
			}
			if column == "" {
				column = cfg.Board.DefaultColumn
			}

			gh := board.NewGitHub(cfg.Board.Owner, boardRepo(cfg), cfg.Board.ProjectNumber)
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := gh.MoveIssue(ctx, number, column); err != nil {
				return err
			}
			fmt.Printf("moved #%d to %s\n", number, column)
			return nil
		},
	}
	cmd.Flags().StringVar(&column, "column", "", "target column (default: the configured default column)")
	return cmd
}
