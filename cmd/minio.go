package cmd

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ivrit-ai/crowd-recital/storage"

	"github.com/spf13/cobra"
)

var (
	minioPrefix  string
	minioSession string
	minioDelete  bool
)

var minioCmd = &cobra.Command{
	Use:   "minio",
	Short: "MinIO存储桶管理",
	Long:  `查看和管理MinIO存储桶中的会话文件，支持列出文件、查看统计信息、删除会话目录等功能。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("MinIO配置: %s, Bucket: %s\n", cfg.MinioEndpoint, cfg.MinioBucket)

		client, err := storage.NewMinioClient(cfg)
		if err != nil {
			return fmt.Errorf("创建MinIO客户端失败: %w", err)
		}
		content := storage.NewContentStorage(client, cfg.MinioBucket, cfg.DataFolder)
		ctx := context.Background()

		prefix := minioPrefix
		if minioSession != "" {
			prefix = storage.SessionPrefix(minioSession)
		}

		if minioDelete {
			if prefix == "" {
				return fmt.Errorf("删除操作需要指定 --session 或 --prefix")
			}
			fmt.Printf("删除目录: %s\n", prefix)
			return content.DeletePrefix(ctx, prefix)
		}

		objects, stats, err := content.List(ctx, prefix)
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(objects))
		for _, obj := range objects {
			rows = append(rows, []string{
				obj.Key,
				strconv.FormatInt(obj.Size, 10),
				obj.LastModified.Format("2006-01-02 15:04:05"),
				obj.ContentType,
			})
		}
		if len(rows) > 0 {
			fmt.Println(renderTable([]string{"Key", "Size", "Last Modified", "Content Type"}, rows, 1))
		}
		fmt.Printf("\n共 %d 个对象, %d 字节", stats.TotalObjects, stats.TotalSize)
		if !stats.LastModified.IsZero() {
			fmt.Printf(", 最后修改 %s", stats.LastModified.Format("2006-01-02 15:04:05"))
		}
		fmt.Println()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(minioCmd)

	minioCmd.Flags().StringVarP(&minioPrefix, "prefix", "p", "", "按前缀过滤文件或指定要操作的目录")
	minioCmd.Flags().StringVarP(&minioSession, "session", "s", "", "只操作指定会话的对象")
	minioCmd.Flags().BoolVarP(&minioDelete, "delete", "d", false, "删除指定目录及其下的所有文件")

	minioCmd.Example = `  # 列出所有文件
  recital_server minio

  # 列出某个会话上传的文件
  recital_server minio -s V1StGXR8_Z5jdHi6B-myT

  # 删除某个会话上传的文件
  recital_server minio -d -s V1StGXR8_Z5jdHi6B-myT`
}
