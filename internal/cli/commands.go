package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashureev/pairchat/internal/presence"
)

func newLatestCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "latest <from-id> <to-id>",
		Short: "Print the latest message of one direction",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := opts.engine.Channel.Latest(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if msg == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "no messages")
				return nil
			}
			return printJSON(cmd.OutOrStdout(), msg)
		},
	}
}

func newHistoryCmd(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <from-id> <to-id>",
		Short: "Print the newest messages of one direction",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			msgs, err := opts.engine.Channel.History(cmd.Context(), args[0], args[1], limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), msgs)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of messages")
	return cmd
}

func newSendCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "send <from-id> <to-id> <text>",
		Short: "Append a message as if from-id had sent it",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := opts.engine.Send(cmd.Context(), args[0], args[1], args[2])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), msg)
		},
	}
}

func newMarkSeenCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "mark-seen <viewer-id> <peer-id>",
		Short: "Mark the latest peer -> viewer message as seen",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			changed, err := opts.engine.MarkLatestAsSeen(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if changed {
				fmt.Fprintln(cmd.OutOrStdout(), "marked seen")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to mark")
			}
			return nil
		},
	}
}

func newPresenceCmd(opts *options) *cobra.Command {
	var set string
	cmd := &cobra.Command{
		Use:   "presence <owner-id> <subject-id>",
		Short: "Show or set owner-id's presence toward subject-id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			switch set {
			case "":
			case "active", "inactive":
				if err := opts.engine.Presence.SetActive(ctx, args[0], args[1], set == "active"); err != nil {
					return err
				}
			default:
				return fmt.Errorf("--set must be active or inactive, got %q", set)
			}

			rec, err := opts.engine.Presence.Get(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s: %s\n", rec.OwnerID, rec.SubjectID, presence.Label(rec, time.Now()))
			return nil
		},
	}
	cmd.Flags().StringVar(&set, "set", "", "set presence to active or inactive before printing")
	return cmd
}

func newSweepCmd(opts *options) *cobra.Command {
	var staleAfter time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Mark stale active presence records inactive once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			n, err := presence.NewSweeper(opts.engine.Presence, staleAfter, "").SweepOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "swept %d records\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&staleAfter, "stale-after", 10*time.Minute, "age after which an active record is stale")
	return cmd
}

func newFriendsCmd(opts *options) *cobra.Command {
	var pin, mute bool
	cmd := &cobra.Command{
		Use:   "friends <owner-id> [peer-id]",
		Short: "List owner-id's friends, or set flags on one entry",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if len(args) == 2 {
				if err := opts.engine.Friends.SetFlags(ctx, args[0], args[1], pin, mute); err != nil {
					return err
				}
			}

			entries, err := opts.engine.Friends.List(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().BoolVar(&pin, "pin", false, "pinned flag when a peer is given")
	cmd.Flags().BoolVar(&mute, "mute", false, "muted flag when a peer is given")
	return cmd
}

func newSavedCmd(opts *options) *cobra.Command {
	var limit int
	var clear bool
	cmd := &cobra.Command{
		Use:   "saved <owner-id> <peer-id>",
		Short: "List owner-id's saved messages and the peer's trigger",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			owner, peer := args[0], args[1]

			flag, err := opts.engine.Saved.Trigger(ctx, peer, owner)
			if err != nil {
				return err
			}
			if clear && flag.Pending {
				if _, err := opts.engine.Saved.ClearTrigger(ctx, flag); err != nil {
					return err
				}
				flag.Pending = false
			}

			list, err := opts.engine.Saved.List(ctx, owner, peer, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"saved":   list,
				"trigger": flag,
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of saved messages")
	cmd.Flags().BoolVar(&clear, "clear-trigger", false, "clear the peer's pending trigger")
	return cmd
}
