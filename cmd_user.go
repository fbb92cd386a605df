package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tehmaze/x84/internal/store"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage the user directory",
	}
	cmd.AddCommand(
		newUserAddCmd(),
		newUserPasswdCmd(),
		newUserGroupCmd(),
		newUserListCmd(),
	)
	return cmd
}

// openUsers opens the user directory of the configured board.
func openUsers() (*store.UserDirectory, error) {
	cfg, db, err := openBBS()
	if err != nil {
		return nil, err
	}
	return store.New(db, cfg).Users, nil
}

// readPassword returns flag, or the first line of in when flag is empty.
func readPassword(flag string, in io.Reader) (string, error) {
	if flag != "" {
		return flag, nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", fmt.Errorf("no password given; use --password or pipe it on stdin")
	}
	return line, nil
}

func newUserAddCmd() *cobra.Command {
	var (
		password string
		groups   []string
	)
	cmd := &cobra.Command{
		Use:   "add <handle>",
		Short: "Create a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			users, err := openUsers()
			if err != nil {
				return err
			}
			pw, err := readPassword(password, cmd.InOrStdin())
			if err != nil {
				return err
			}
			rec, err := users.Create(args[0], pw, groups...)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", rec.Handle)
			return nil
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "password (read from stdin when empty)")
	cmd.Flags().StringSliceVarP(&groups, "group", "g", nil, "group membership, repeatable")
	return cmd
}

func newUserPasswdCmd() *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "passwd <handle>",
		Short: "Set a user's password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			users, err := openUsers()
			if err != nil {
				return err
			}
			pw, err := readPassword(password, cmd.InOrStdin())
			if err != nil {
				return err
			}
			if err := users.SetPassword(args[0], pw); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "password updated for %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "password (read from stdin when empty)")
	return cmd
}

func newUserGroupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Change group membership",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "add <handle> <group>",
			Short: "Add a user to a group",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				users, err := openUsers()
				if err != nil {
					return err
				}
				if err := users.AddGroup(args[0], args[1]); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], strings.Join(users.Groups(args[0]), ","))
				return nil
			},
		},
		&cobra.Command{
			Use:   "remove <handle> <group>",
			Short: "Remove a user from a group",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				users, err := openUsers()
				if err != nil {
					return err
				}
				if err := users.RemoveGroup(args[0], args[1]); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], strings.Join(users.Groups(args[0]), ","))
				return nil
			},
		},
	)
	return cmd
}

func newUserListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			users, err := openUsers()
			if err != nil {
				return err
			}
			list, err := users.List()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "HANDLE\tGROUPS\tCALLS\tLAST CALL")
			for _, u := range list {
				last := "never"
				if !u.LastCallAt.IsZero() {
					last = u.LastCallAt.Format("2006-01-02 15:04")
				}
				_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", u.Handle, strings.Join(u.Groups, ","), u.Calls, last)
			}
			return w.Flush()
		},
	}
}
