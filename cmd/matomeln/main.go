// matomeln は、日本の掲示板のスレッドを取得・正規化して保存するコマンドです。
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ru88s/matomeln-sub000/internal/config"
	"github.com/ru88s/matomeln-sub000/internal/logging"
)

const envPrefix = "MATOMELN"

var (
	cfgFile   string
	logLevel  string
	outputDir string

	// logCloser はログファイルを閉じます。
	logCloser io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "matomeln",
	Short: "掲示板のスレッドを取得して JSON / YAML に正規化します",
	Long: `5ch / open2ch / 2ch.sc / Shikutoku / GirlsChannel のスレッドURLを受け取り、
文字コードの判定、DAT / HTML / JSON の解析、レス番号の正規化を行います。

例:
  matomeln fetch https://egg.5ch.net/test/read.cgi/news/1700000000/
  matomeln bulk --job news
  matomeln serve --listen 127.0.0.1:8080`,
	SilenceUsage: true,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
}

func init() {
	cobra.OnInitialize(initViper)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.json", "設定ファイルのパス")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "ログレベル (debug / info / warn / error)")
	rootCmd.PersistentFlags().StringVarP(&outputDir, "output", "o", "", "保存先ディレクトリ (設定ファイルの output_directory を上書き)")

	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))
}

// initViper は環境変数 MATOMELN_* をフラグの既定値として使えるようにします。
func initViper() {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// loadConfig は設定ファイルを読み込み、フラグと環境変数で上書きしてからロガーを設定します。
// 設定ファイルが既定の名前で存在しない場合は、組み込みの既定値で動きます。
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path := viper.GetString("config")
	explicit := cmd.Flags().Changed("config") || os.Getenv(envPrefix+"_CONFIG") != ""

	var cfg *config.Config
	if _, err := os.Stat(path); err != nil && errors.Is(err, os.ErrNotExist) && !explicit {
		cfg = config.Default()
	} else {
		loaded, err := config.LoadAndResolve(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if level := viper.GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if out := viper.GetString("output"); out != "" {
		cfg.OutputDirectory = out
		for i := range cfg.Jobs {
			cfg.Jobs[i].OutputDirectory = out
		}
	}

	closer, err := logging.Setup(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("ログの設定に失敗しました: %w", err)
	}
	logCloser = closer
	log.Debug().Str("config", path).Msg("設定を読み込みました")
	return cfg, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "エラー:", err)
		os.Exit(1)
	}
}
