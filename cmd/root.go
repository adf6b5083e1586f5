package cmd

import (
	"fmt"
	"os"

	"QFMConsole/config"
	"QFMConsole/logger"

	"github.com/spf13/cobra"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "qfm_console",
	Short: "QFM 网络电台广播控制台",
	Long:  `QFM 控制台：双轨播放、混音、交叉淡化、Auto DJ 和网络推流。不带子命令时启动控制台。`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg = config.Load()
		logger.InitLogger(logger.Config{
			Level:       logger.LogLevel(cfg.LogLevel),
			OutputPath:  cfg.LogFile,
			MaxSize:     100,
			MaxBackups:  5,
			MaxAge:      30,
			Compress:    true,
			Development: cfg.LogLevel == string(logger.DebugLevel),
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConsole(cmd.Context())
	},
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
