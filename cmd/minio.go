package cmd

import (
	"fmt"
	"log"

	"QFMConsole/storage"

	"github.com/spf13/cobra"
)

var (
	minioPrefix    string
	minioStats     bool
	minioRecursive bool
	minioDelete    bool
)

var minioCmd = &cobra.Command{
	Use:   "minio",
	Short: "MinIO存储桶管理",
	Long:  `查看和管理MinIO存储桶中的曲目和推流归档，支持列出文件、查看统计信息、递归列出、删除前缀等功能。`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("开始连接MinIO服务器...")
		fmt.Printf("MinIO配置: %s, Bucket: %s\n", cfg.MinioEndpoint, cfg.MinioBucket)

		if err := storage.InitMinio(cfg); err != nil {
			log.Fatalf("无法连接到MinIO: %v", err)
		}
		client := storage.GetMinioClient()
		ctx := cmd.Context()
		fmt.Println("MinIO连接成功！")

		if minioDelete {
			if minioPrefix == "" {
				log.Fatal("删除操作需要指定目录前缀")
			}
			fmt.Printf("\n删除前缀: %s\n", minioPrefix)
			n, err := storage.DeletePrefix(ctx, client, cfg.MinioBucket, minioPrefix)
			if err != nil {
				log.Fatalf("删除失败: %v", err)
			}
			fmt.Printf("已删除 %d 个对象\n", n)
			return
		}

		objects, stats, err := storage.ListBucketObjects(ctx, client, cfg.MinioBucket, minioPrefix, minioRecursive || minioStats)
		if err != nil {
			log.Fatalf("列出文件失败: %v", err)
		}

		if minioStats {
			fmt.Println("\n存储桶统计信息:")
			fmt.Printf("  对象数量: %d\n", stats.TotalObjects)
			fmt.Printf("  总大小:   %s\n", storage.FormatSize(stats.TotalSize))
			if !stats.LastModified.IsZero() {
				fmt.Printf("  最后修改: %s\n", stats.LastModified.Format("2006-01-02 15:04:05"))
			}
			return
		}

		fmt.Printf("\n存储桶中的文件 (前缀: %q):\n", minioPrefix)
		for _, obj := range objects {
			fmt.Printf("  %-60s %10s  %s\n", obj.Key, storage.FormatSize(obj.Size),
				obj.LastModified.Format("2006-01-02 15:04:05"))
		}
		fmt.Printf("\n共 %d 个对象, %s\n", stats.TotalObjects, storage.FormatSize(stats.TotalSize))
	},
}

func init() {
	rootCmd.AddCommand(minioCmd)

	minioCmd.Flags().StringVarP(&minioPrefix, "prefix", "p", "", "按前缀过滤文件或指定要操作的目录")
	minioCmd.Flags().BoolVarP(&minioStats, "stats", "s", false, "显示存储桶统计信息")
	minioCmd.Flags().BoolVarP(&minioRecursive, "recursive", "r", false, "递归列出前缀下的所有文件")
	minioCmd.Flags().BoolVarP(&minioDelete, "delete", "d", false, "删除指定前缀下的所有文件")

	minioCmd.Example = `  # 列出所有文件
  qfm_console minio

  # 递归列出推流归档
  qfm_console minio -r -p "broadcasts/"

  # 显示存储桶统计信息
  qfm_console minio -s

  # 删除某次推流的归档
  qfm_console minio -d -p "broadcasts/<connection-id>/"`
}
