package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tehmaze/x84/internal/config"
	"github.com/tehmaze/x84/internal/msgsync"
	"github.com/tehmaze/x84/internal/store"
)

func newMsgNetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "msgnet",
		Short: "Message network maintenance",
	}
	cmd.AddCommand(newMsgNetSyncCmd(), newMsgNetStatusCmd())
	return cmd
}

func openSyncClient() (*config.BBS, *msgsync.Client, error) {
	cfg, db, err := openBBS()
	if err != nil {
		return nil, nil, err
	}
	st := store.New(db, cfg)
	return cfg, msgsync.NewClient(cfg.MsgNet, st.Messages, db), nil
}

func newMsgNetSyncCmd() *cobra.Command {
	var peer string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Exchange messages with the configured peers once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, client, err := openSyncClient()
			if err != nil {
				return err
			}
			timeout := config.Duration(cfg.MsgNet.Timeout, 30*time.Second)

			var failed int
			for _, p := range client.Peers() {
				if peer != "" && p.Name != peer {
					continue
				}
				ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
				res, err := client.Sync(ctx, p)
				cancel()
				if err != nil {
					failed++
					_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", p.Name, err)
					continue
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: pulled %d (stored %d), pushed %d (rejected %d)\n",
					p.Name, res.Pulled, res.Stored, res.Pushed, res.Rejected)
			}
			if failed > 0 {
				return fmt.Errorf("%d peer(s) failed", failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&peer, "peer", "", "only exchange with this peer")
	return cmd
}

func newMsgNetStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the sync position with each peer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, client, err := openSyncClient()
			if err != nil {
				return err
			}
			seq, err := client.LocalSeq()
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "node %s at sequence %d\n\n", cfg.MsgNet.Node, seq)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "PEER\tSEEN\tACKED\tLAST SYNC\tERROR")
			for _, p := range client.Peers() {
				st, err := client.State(p.Name)
				if err != nil {
					return err
				}
				last := "never"
				if !st.LastSyncAt.IsZero() {
					last = st.LastSyncAt.Format(time.RFC3339)
				}
				_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n", p.Name, st.LastSeenRemote, st.LastAckedLocal, last, st.LastError)
			}
			return w.Flush()
		},
	}
}
