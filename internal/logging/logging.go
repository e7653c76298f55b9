// Package logging は zerolog のグローバルロガーを設定ファイルに従って組み立てます。
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ru88s/matomeln-sub000/internal/config"
)

const logFilePermissions = 0o644

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Setup はグローバルロガーを settings に従って設定します。
// 返り値の io.Closer はログファイルを閉じます。ファイルを使わない場合も nil にはなりません。
func Setup(settings config.LogSettings) (io.Closer, error) {
	logger, closer, err := New(settings, os.Stderr, time.Now())
	if err != nil {
		return nopCloser{}, err
	}
	log.Logger = logger
	zerolog.SetGlobalLevel(logger.GetLevel())
	return closer, nil
}

// New は settings に従ったロガーを作ります。console は画面側の出力先です。
func New(settings config.LogSettings, console *os.File, now time.Time) (zerolog.Logger, io.Closer, error) {
	level, err := ParseLevel(settings.Level)
	if err != nil {
		return zerolog.Nop(), nopCloser{}, err
	}

	writers := []io.Writer{consoleWriter(console, settings)}
	var closer io.Closer = nopCloser{}

	if settings.EnableLogFile {
		path := settings.LogFilePath
		if path == "" {
			// デフォルトは日付形式
			path = fmt.Sprintf("matomeln_%s.log", now.Format("2006-01-02"))
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return zerolog.Nop(), nopCloser{}, fmt.Errorf("ログディレクトリの作成に失敗しました (path=%s): %w", dir, err)
			}
		}
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, logFilePermissions)
		if err != nil {
			return zerolog.Nop(), nopCloser{}, fmt.Errorf("ログファイルを開けませんでした (path=%s): %w", path, err)
		}
		closer = f
		if settings.JSON {
			writers = append(writers, f)
		} else {
			writers = append(writers, zerolog.ConsoleWriter{Out: f, NoColor: true, TimeFormat: time.DateTime})
		}
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(level).With().Timestamp().Logger()
	return logger, closer, nil
}

// ParseLevel は設定のログレベル名を解釈します。空なら info です。
func ParseLevel(name string) (zerolog.Level, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "":
		return zerolog.InfoLevel, nil
	case "warning":
		return zerolog.WarnLevel, nil
	}
	level, err := zerolog.ParseLevel(name)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("不正なログレベル '%s' です (debug / info / warn / error): %w", name, err)
	}
	return level, nil
}

// consoleWriter は、端末なら色付き、そうでなければ色なしの ConsoleWriter を返します。
// JSON 指定の場合は console にそのまま JSON を書きます。
func consoleWriter(f *os.File, settings config.LogSettings) io.Writer {
	if settings.JSON {
		return f
	}
	noColor := settings.NoColor || !isTerminal(f)
	return zerolog.ConsoleWriter{Out: f, NoColor: noColor, TimeFormat: time.DateTime}
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
