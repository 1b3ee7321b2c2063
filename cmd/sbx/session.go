package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/index"
	"github.com/zulandar/signalbox/internal/models"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Session management commands",
	}

	cmd.AddCommand(newSessionCreateCmd())
	cmd.AddCommand(newSessionListCmd())
	cmd.AddCommand(newSessionShowCmd())
	cmd.AddCommand(newSessionStatusCmd("archive", models.StatusArchived, "Archive a session"))
	cmd.AddCommand(newSessionStatusCmd("restore", models.StatusActive, "Restore an archived session"))
	cmd.AddCommand(newSessionStatusCmd("complete", models.StatusCompleted, "Mark a session completed"))
	cmd.AddCommand(newSessionDeleteCmd())
	return cmd
}

func newSessionCreateCmd() *cobra.Command {
	var (
		configPath string
		title      string
		owner      string
		repo       string
		model      string
		baseBranch string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new session row in the index",
		Long:  "Creates the durable index row only; the live actor is built lazily by the gateway on first access.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			store := index.NewStore(gormDB)

			if owner == "" {
				owner = cfg.Owner
			}
			if repo == "" {
				repo = cfg.Repo
			}
			if owner == "" || repo == "" {
				return fmt.Errorf("repo owner and name are required (flags or config)")
			}

			id, err := store.AllocateID()
			if err != nil {
				return err
			}
			row := models.Session{
				ID:         id,
				Title:      title,
				RepoOwner:  owner,
				RepoName:   repo,
				Model:      model,
				BaseBranch: baseBranch,
				Status:     models.StatusCreated,
			}
			if err := store.Create(&row); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Created session %s\n", row.ID)
			fmt.Fprintf(out, "Repo: %s/%s\n", row.RepoOwner, row.RepoName)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Signalbox config file")
	cmd.Flags().StringVar(&title, "title", "", "session title")
	cmd.Flags().StringVar(&owner, "owner", "", "repository owner (defaults to config)")
	cmd.Flags().StringVar(&repo, "repo", "", "repository name (defaults to config)")
	cmd.Flags().StringVar(&model, "model", "", "model override")
	cmd.Flags().StringVar(&baseBranch, "base", "", "base branch for the session's work")
	return cmd
}

func newSessionListCmd() *cobra.Command {
	var (
		configPath string
		status     string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions in the index",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			page, err := index.NewStore(gormDB).List(index.Filter{Status: status, Limit: limit})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(page.Sessions) == 0 {
				fmt.Fprintln(out, "No sessions found.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tSANDBOX\tREPO\tAGE\tTITLE")
			for _, s := range page.Sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s/%s\t%s\t%s\n",
					s.ID, s.Status, s.SandboxStatus, s.RepoOwner, s.RepoName,
					formatAge(s.CreatedAt), s.Title)
			}
			w.Flush()
			if page.HasMore {
				fmt.Fprintf(out, "... %d total, use --limit to see more\n", page.Total)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Signalbox config file")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (created|active|completed|archived|failed)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows to show")
	return cmd
}

func newSessionShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show one session's index row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			row, err := index.NewStore(gormDB).Get(args[0])
			if err != nil {
				return err
			}
			if row == nil {
				return fmt.Errorf("session %s not found", args[0])
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ID:       %s\n", row.ID)
			fmt.Fprintf(out, "Title:    %s\n", row.Title)
			fmt.Fprintf(out, "Repo:     %s/%s\n", row.RepoOwner, row.RepoName)
			fmt.Fprintf(out, "Status:   %s (sandbox: %s)\n", row.Status, row.SandboxStatus)
			if row.Model != "" {
				fmt.Fprintf(out, "Model:    %s\n", row.Model)
			}
			if row.ParentID != nil {
				fmt.Fprintf(out, "Parent:   %s (depth %d)\n", *row.ParentID, row.SpawnDepth)
			}
			fmt.Fprintf(out, "Created:  %s\n", row.CreatedAt.Format(time.RFC3339))
			fmt.Fprintf(out, "Updated:  %s\n", row.UpdatedAt.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Signalbox config file")
	return cmd
}

// newSessionStatusCmd builds archive/restore/complete, which differ only in
// the target status.
func newSessionStatusCmd(use, target, short string) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   use + " <session-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			ok, err := index.NewStore(gormDB).UpdateStatus(args[0], target)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("session %s not found", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s is now %s\n", args[0], target)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Signalbox config file")
	return cmd
}

func newSessionDeleteCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session row from the index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			ok, err := index.NewStore(gormDB).Delete(args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("session %s not found", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Signalbox config file")
	return cmd
}

// formatAge renders a duration since t in the largest sensible unit.
func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
