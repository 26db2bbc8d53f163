package cmd

import (
	"context"
	"fmt"

	"github.com/ivrit-ai/crowd-recital/core/recital"
	"github.com/ivrit-ai/crowd-recital/server"

	"github.com/spf13/cobra"
)

var finalizeCmd = &cobra.Command{
	Use:   "finalize",
	Short: "运行一次会话收尾流程",
	Long:  `对已结束的录音会话执行一次完整的收尾：合并、转码、上传并清理被放弃的会话。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		app, err := server.NewApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer app.Close()

		report := app.Manager.RunFinalizationCycle(ctx)
		if report.Skipped {
			fmt.Println("另一个会话终结正在进行，已跳过")
			return report.Err
		}

		var rows [][]string
		rows = appendPhase(rows, "aggregate", report.Aggregated)
		rows = appendPhase(rows, "upload", report.Uploaded)
		rows = appendPhase(rows, "discard", report.Discarded)
		if len(rows) > 0 {
			fmt.Println(renderTable([]string{"Phase", "Session", "Outcome", "Error"}, rows))
		}
		fmt.Printf("耗时 %s, 失败 %d\n", report.Elapsed, report.Failures())
		return report.Err
	},
}

func appendPhase(rows [][]string, phase string, results []recital.SessionResult) [][]string {
	for _, res := range results {
		errText := ""
		if res.Err != nil {
			errText = res.Err.Error()
		}
		rows = append(rows, []string{phase, res.SessionID, string(res.Outcome), errText})
	}
	return rows
}

func init() {
	rootCmd.AddCommand(finalizeCmd)
}
