package main

import (
	"fmt"

	"github.com/dkeye/moodcall/internal/domain"
	"github.com/spf13/cobra"
)

var autoAnswer bool

var callCmd = &cobra.Command{
	Use:   "call <user>",
	Short: "Call a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		p, err := newPeer(ctx, cfg)
		if err != nil {
			return err
		}
		defer p.Close()

		sid, err := p.ctl.StartCall(ctx, domain.UserID(args[0]))
		if err != nil {
			return err
		}
		fmt.Printf("calling %s (session %s)\n", args[0], sid)
		return p.control(ctx)
	},
}

var joinCmd = &cobra.Command{
	Use:   "join <session-id>",
	Short: "Answer a call by session id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		p, err := newPeer(ctx, cfg)
		if err != nil {
			return err
		}
		defer p.Close()

		if err := p.ctl.JoinCall(ctx, domain.SessionID(args[0])); err != nil {
			return err
		}
		return p.control(ctx)
	},
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Wait for incoming calls",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		p, err := newPeer(ctx, cfg)
		if err != nil {
			return err
		}
		defer p.Close()
		return p.listen(ctx, autoAnswer)
	},
}

func init() {
	listenCmd.Flags().BoolVar(&autoAnswer, "auto-answer", false, "join the first incoming call without asking")
}
