package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ru88s/matomeln-sub000/internal/core"
	"github.com/ru88s/matomeln-sub000/internal/export"
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <URL> [URL...]",
	Short: "スレッドを取得して標準出力に書き出します",
	Long: `スレッドを1件ずつ取得し、正規化した結果を標準出力に書き出します。
--save を付けると保存先ディレクトリにも保存します。`,
	Args: cobra.MinimumNArgs(1),
	RunE: runFetch,
}

func init() {
	rootCmd.AddCommand(fetchCmd)

	fetchCmd.Flags().StringP("format", "f", "json", "出力形式 (json / yaml)")
	fetchCmd.Flags().Bool("save", false, "保存先ディレクトリにも保存する")

	viper.BindPFlag("fetch.format", fetchCmd.Flags().Lookup("format"))
	viper.BindPFlag("fetch.save", fetchCmd.Flags().Lookup("save"))
}

func runFetch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	formats, err := export.ParseFormats([]string{viper.GetString("fetch.format")})
	if err != nil {
		return err
	}
	pipeline, err := core.NewPipelineFromConfig(cfg, nil)
	if err != nil {
		return err
	}

	var archiver *core.Archiver
	if viper.GetBool("fetch.save") {
		archiver, err = core.NewArchiverForJob(cfg.AdHocJob("fetch", args), cfg.HistoryFilePath)
		if err != nil {
			return err
		}
	}

	ctx := cmd.Context()
	var failed []error
	for _, input := range args {
		res, err := pipeline.Ingest(ctx, input)
		if err != nil {
			kind := core.KindOf(err)
			log.Error().Err(err).Str("input", input).Str("kind", string(kind)).Msg(kind.Message())
			failed = append(failed, err)
			if kind.Action() == core.ActionAbort {
				break
			}
			continue
		}
		for _, k := range res.Notices() {
			log.Warn().Str("thread_id", res.Thread.ID).Msg(k.Message())
		}
		if res.Incomplete {
			log.Warn().Str("thread_id", res.Thread.ID).Int("pages", res.Pages).Msg("途中のページを取得できなかったため、レスが欠けています")
		}

		doc := &export.Document{
			Thread:        res.Thread,
			Posts:         res.Posts,
			Locator:       res.Locator,
			Encoding:      res.Encoding,
			LowConfidence: res.LowConfidence,
			Layout:        res.Layout,
		}
		data, err := export.Marshal(doc, formats[0])
		if err != nil {
			return err
		}
		if _, err := os.Stdout.Write(append(data, '\n')); err != nil {
			return err
		}

		if archiver != nil {
			if _, err := archiver.Save(res); err != nil {
				failed = append(failed, err)
			}
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("%d 件の取得に失敗しました: %w", len(failed), errors.Join(failed...))
	}
	return nil
}
