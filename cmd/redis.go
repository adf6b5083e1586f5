package cmd

import (
	"fmt"
	"log"

	"QFMConsole/cache"
	"QFMConsole/db"

	"github.com/spf13/cobra"
)

var redisCmd = &cobra.Command{
	Use:   "redis",
	Short: "Redis连接测试",
	Long:  `测试Redis连接是否成功，进行基本读写操作，并显示电台当前播放状态。`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("开始测试Redis连接...")
		fmt.Printf("Redis配置: %s:%s, DB: %d\n", cfg.RedisHost, cfg.RedisPort, cfg.RedisDB)

		if err := db.ConnectRedis(cfg); err != nil {
			log.Fatalf("无法连接到Redis: %v", err)
		}
		defer func() {
			if err := db.CloseRedis(); err != nil {
				log.Printf("关闭Redis连接时发生错误: %v", err)
			}
		}()
		fmt.Println("Redis连接成功！")

		if err := db.TestRedis(); err != nil {
			log.Fatalf("Redis操作测试失败: %v", err)
		}
		fmt.Println("Redis基本操作测试成功！")

		np, err := cache.NewStationCache(db.RedisClient).GetNowPlaying(cmd.Context())
		switch {
		case err != nil:
			log.Printf("读取电台状态失败: %v", err)
		case np == nil:
			fmt.Println("电台状态: 无记录")
		default:
			fmt.Printf("电台状态: %+v\n", *np)
		}
	},
}

func init() {
	rootCmd.AddCommand(redisCmd)
}
