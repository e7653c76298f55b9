package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ru88s/matomeln-sub000/internal/core"
)

var classifyCmd = &cobra.Command{
	Use:   "classify <入力> [入力...]",
	Short: "入力がどの掲示板のスレッドかを判定します (通信はしません)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		pipeline, err := core.NewPipelineFromConfig(cfg, nil)
		if err != nil {
			return err
		}
		for _, input := range args {
			kind := pipeline.Classify(input)
			threadID := "-"
			if loc, err := pipeline.Locate(input); err == nil {
				threadID = loc.ThreadID()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", kind, threadID, input)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(classifyCmd)
}
