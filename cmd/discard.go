package cmd

import (
	"context"
	"fmt"

	"github.com/ivrit-ai/crowd-recital/server"

	"github.com/spf13/cobra"
)

var discardCmd = &cobra.Command{
	Use:   "discard <session-id>...",
	Short: "丢弃录音会话",
	Long:  `删除会话的本地文件与已上传的对象，并将会话标记为 DISCARDED。`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		app, err := server.NewApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer app.Close()

		for _, id := range args {
			discarded, err := app.Manager.DiscardSession(ctx, id)
			if err != nil {
				return fmt.Errorf("丢弃会话 %s 失败: %w", id, err)
			}
			if discarded {
				fmt.Printf("%s: 已丢弃\n", id)
			} else {
				fmt.Printf("%s: 已经是丢弃状态\n", id)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(discardCmd)
}
