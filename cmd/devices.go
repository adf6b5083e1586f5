package cmd

import (
	"context"
	"fmt"
	"time"

	"QFMConsole/core/audio"
	"QFMConsole/core/device"
	"QFMConsole/model"

	"github.com/spf13/cobra"
)

var (
	devicesTone     string
	devicesToneFreq float64
	devicesToneTime time.Duration
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "列出音频设备",
	Long:  `通过 pactl 列出输入、输出设备。指定 --tone 时向该输出设备播放测试音。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		backend := device.NewPactlBackend(cfg.PactlPath)
		if err := backend.RequestAccess(ctx); err != nil {
			return fmt.Errorf("无法访问音频服务: %w", err)
		}
		for _, dir := range []model.DeviceDirection{model.DeviceInput, model.DeviceOutput} {
			list, err := backend.List(ctx, dir)
			if err != nil {
				return err
			}
			fmt.Printf("%s (%d):\n", dir, len(list))
			for _, d := range list {
				mark := " "
				if d.IsDefault {
					mark = "*"
				}
				fmt.Printf("  %s %s\n", mark, d.ID)
			}
		}

		if !cmd.Flags().Changed("tone") {
			return nil
		}
		return playTone(cmd.Context(), devicesTone)
	},
}

func init() {
	devicesCmd.Flags().StringVar(&devicesTone, "tone", "", "播放测试音的输出设备，空串为系统默认")
	devicesCmd.Flags().Float64Var(&devicesToneFreq, "freq", 440, "测试音频率 (Hz)")
	devicesCmd.Flags().DurationVar(&devicesToneTime, "duration", 2*time.Second, "测试音时长")
	rootCmd.AddCommand(devicesCmd)
}

// playTone 向指定设备写入正弦测试音，pw-play 的管道负责节拍
func playTone(ctx context.Context, target string) error {
	sink := audio.NewPipeWireSink(cfg.PwPlayPath, cfg.SampleRate)
	if err := sink.Start(ctx, target); err != nil {
		return err
	}
	defer sink.Close()

	tone := audio.NewToneStream(cfg.SampleRate, devicesToneFreq, 0.3, devicesToneTime)
	defer tone.Close()

	fmt.Printf("播放测试音 %.0fHz %s -> %q\n", devicesToneFreq, devicesToneTime, target)
	buf := make([][2]float64, cfg.BlockSize)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, ok := tone.Stream(buf)
		if n > 0 {
			if err := sink.Write(buf[:n]); err != nil {
				return err
			}
		}
		if !ok {
			return nil
		}
	}
}
