package main

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ru88s/matomeln-sub000/internal/core"
)

var verifyCmd = &cobra.Command{
	Use:   "verify [ディレクトリ]",
	Short: "保存済みのスレッドを読み直して整合性を確認します",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		root := cfg.OutputDirectory
		if len(args) == 1 {
			root = args[0]
		}

		result, err := core.RunVerification(cmd.Context(), root, viper.GetBool("verify.force"), time.Now())
		if err != nil {
			return err
		}
		for _, detail := range result.Details {
			fmt.Fprintln(cmd.OutOrStdout(), detail)
		}
		log.Info().
			Int("checked", result.TotalChecked).
			Int("skipped", result.TotalSkipped).
			Int("invalid", result.TotalInvalid).
			Msg("検証結果")
		if result.TotalInvalid > 0 {
			return fmt.Errorf("%d 件のスレッドに問題があります", result.TotalInvalid)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)

	verifyCmd.Flags().Bool("force", false, "24時間以内に検証済みのスレッドも確認する")
	viper.BindPFlag("verify.force", verifyCmd.Flags().Lookup("force"))
}
