package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"sheetagent/internal/channel"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func chatCmd() *cobra.Command {
	var file, sessionID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat about a spreadsheet in the terminal",
		Long:  "Uploads --file into a new session, or resumes --session, and starts an interactive chat.",
		Example: `  sheetagent chat --file sales.xlsx
  sheetagent chat --session 3f2c...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (file == "") == (sessionID == "") {
				return fmt.Errorf("exactly one of --file or --session is required")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if file != "" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				res, err := a.service.Upload(ctx, "", filepath.Base(file), f)
				f.Close()
				if err != nil {
					return fmt.Errorf("upload %s: %w", file, err)
				}
				sessionID = res.SessionID
				logger.Info("workbook uploaded", "session", sessionID, "file", res.File.Name, "sheets", res.Sheets)
			}

			cli := channel.NewCLI(channel.CLIConfig{
				Service:   a.service,
				SessionID: sessionID,
				Logger:    logger,
				Spinner:   term.IsTerminal(int(os.Stdout.Fd())),
			})
			return cli.Start(ctx)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "workbook to analyse")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "resume an existing session")
	return cmd
}
