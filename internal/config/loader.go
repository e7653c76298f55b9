package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ru88s/matomeln-sub000/internal/jpenc"
	"github.com/ru88s/matomeln-sub000/internal/parser"
)

const compatibleVersion = "1.0"

// jobPatch は、ジョブ設定をデコードするための中間ヘルパー構造体です。
// nil でないフィールドだけがテンプレートの値を上書きします。
type jobPatch struct {
	Enabled               *bool     `json:"enabled,omitempty"`
	JobName               *string   `json:"job_name,omitempty"`
	UseTemplate           string    `json:"use_template,omitempty"`
	Inputs                *[]string `json:"inputs,omitempty"`
	InputFile             *string   `json:"input_file,omitempty"`
	OutputDirectory       *string   `json:"output_directory,omitempty"`
	Formats               *[]string `json:"formats,omitempty"`
	ExcludeKeywords       *[]string `json:"exclude_keywords,omitempty"`
	MinimumPosts          *int      `json:"minimum_posts,omitempty"`
	RetryCount            *int      `json:"retry_count,omitempty"`
	RetryWaitMillis       *int      `json:"retry_wait_ms,omitempty"`
	RequestIntervalMillis *int      `json:"request_interval_ms,omitempty"`
	EnableHistorySkip     *bool     `json:"enable_history_skip,omitempty"`
	EnableUpdateCheck     *bool     `json:"enable_update_check,omitempty"`
	DirectoryFormat       *string   `json:"directory_format,omitempty"`
	MetadataIndexPath     *string   `json:"metadata_index_path,omitempty"`
}

// rawConfig は、設定ファイルをデコードするための中間構造体です。
type rawConfig struct {
	ConfigVersion   string           `json:"config_version"`
	OutputDirectory string           `json:"output_directory"`
	HistoryFilePath string           `json:"history_file_path"`
	Network         NetworkSettings  `json:"network"`
	Log             LogSettings      `json:"log"`
	API             APISettings      `json:"api"`
	Encoding        jpenc.Thresholds `json:"encoding"`
	Sources         []SourceSettings `json:"sources"`
	HTMLLayouts     []parser.Layout  `json:"html_layouts"`
	MaxPages        int              `json:"max_pages"`
	JobTemplates    map[string]Job   `json:"job_templates"`
	Jobs            []jobPatch       `json:"jobs"`
}

// LoadAndResolve は、指定されたパスから設定ファイルを読み込み、解析と解決を行います。
func LoadAndResolve(path string) (*Config, error) {
	absPath, _ := filepath.Abs(path)
	cwd, _ := os.Getwd()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("設定ファイル '%s' の読み込みに失敗しました (Abs: '%s', Cwd: '%s'): %w", path, absPath, cwd, err)
	}
	return ParseAndResolve(data)
}

// ParseAndResolve は、設定データのバイトスライスを解析し、テンプレートを解決して最終的な設定を返します。
// この関数はテストのために分離されています。
func ParseAndResolve(data []byte) (*Config, error) {
	var rawCfg rawConfig
	if err := json.Unmarshal(data, &rawCfg); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError

		if errors.As(err, &syntaxErr) {
			line, col := computeLineAndColumn(data, syntaxErr.Offset)
			return nil, fmt.Errorf("設定ファイルのJSON構文エラー (行 %d, 列 %d): %w", line, col, err)
		}
		if errors.As(err, &typeErr) {
			line, col := computeLineAndColumn(data, typeErr.Offset)
			return nil, fmt.Errorf("設定ファイルの型エラー (行 %d, 列 %d, フィールド '%s'): 期待値 %v, 実際 %v - %w",
				line, col, typeErr.Field, typeErr.Type, typeErr.Value, err)
		}
		return nil, fmt.Errorf("設定ファイルの解析に失敗しました: %w", err)
	}

	if rawCfg.ConfigVersion != compatibleVersion {
		return nil, fmt.Errorf("サポートされていない設定バージョン '%s' です。'%s' が必要です。", rawCfg.ConfigVersion, compatibleVersion)
	}

	resolvedConfig := &Config{
		ConfigVersion:   rawCfg.ConfigVersion,
		OutputDirectory: rawCfg.OutputDirectory,
		HistoryFilePath: rawCfg.HistoryFilePath,
		Network:         rawCfg.Network,
		Log:             rawCfg.Log,
		API:             rawCfg.API,
		Encoding:        rawCfg.Encoding,
		Sources:         rawCfg.Sources,
		HTMLLayouts:     rawCfg.HTMLLayouts,
		MaxPages:        rawCfg.MaxPages,
		JobTemplates:    rawCfg.JobTemplates,
		Jobs:            make([]Job, 0, len(rawCfg.Jobs)),
	}

	for _, patch := range rawCfg.Jobs {
		var resolvedJob Job
		if patch.UseTemplate != "" {
			template, ok := rawCfg.JobTemplates[patch.UseTemplate]
			if !ok {
				jobName := "unknown"
				if patch.JobName != nil {
					jobName = *patch.JobName
				}
				return nil, fmt.Errorf("ジョブ '%s' が未定義のテンプレート '%s' を使用しています", jobName, patch.UseTemplate)
			}
			resolvedJob = template
		}
		applyPatch(&resolvedJob, &patch)
		resolvedConfig.Jobs = append(resolvedConfig.Jobs, resolvedJob)
	}

	if err := validateSources(resolvedConfig.Sources); err != nil {
		return nil, err
	}
	resolvedConfig.applyDefaults()
	return resolvedConfig, nil
}

func validateSources(sources []SourceSettings) error {
	seen := make(map[string]bool, len(sources))
	for i, s := range sources {
		if s.Kind == "" {
			return fmt.Errorf("sources[%d]: kind が指定されていません", i)
		}
		if seen[s.Kind] {
			return fmt.Errorf("sources[%d]: kind '%s' が重複しています", i, s.Kind)
		}
		seen[s.Kind] = true
		if len(s.Hosts) == 0 {
			return fmt.Errorf("sources[%d] (%s): hosts が空です", i, s.Kind)
		}
	}
	return nil
}

// applyPatch は、patchの非nilフィールドをtargetに上書きします。
func applyPatch(target *Job, patch *jobPatch) {
	target.UseTemplate = patch.UseTemplate
	if patch.Enabled != nil {
		target.Enabled = patch.Enabled
	}
	if patch.JobName != nil {
		target.JobName = *patch.JobName
	}
	if patch.Inputs != nil {
		target.Inputs = *patch.Inputs
	}
	if patch.InputFile != nil {
		target.InputFile = *patch.InputFile
	}
	if patch.OutputDirectory != nil {
		target.OutputDirectory = *patch.OutputDirectory
	}
	if patch.Formats != nil {
		target.Formats = *patch.Formats
	}
	if patch.ExcludeKeywords != nil {
		target.ExcludeKeywords = *patch.ExcludeKeywords
	}
	if patch.MinimumPosts != nil {
		target.MinimumPosts = *patch.MinimumPosts
	}
	if patch.RetryCount != nil {
		target.RetryCount = *patch.RetryCount
	}
	if patch.RetryWaitMillis != nil {
		target.RetryWaitMillis = *patch.RetryWaitMillis
	}
	if patch.RequestIntervalMillis != nil {
		target.RequestIntervalMillis = *patch.RequestIntervalMillis
	}
	if patch.EnableHistorySkip != nil {
		target.EnableHistorySkip = *patch.EnableHistorySkip
	}
	if patch.EnableUpdateCheck != nil {
		target.EnableUpdateCheck = *patch.EnableUpdateCheck
	}
	if patch.DirectoryFormat != nil {
		target.DirectoryFormat = *patch.DirectoryFormat
	}
	if patch.MetadataIndexPath != nil {
		target.MetadataIndexPath = *patch.MetadataIndexPath
	}
}

// computeLineAndColumn は、バイトオフセットから行番号と列番号（1始まり）を計算します。
func computeLineAndColumn(data []byte, offset int64) (int, int) {
	if offset < 0 || int(offset) > len(data) {
		return 0, 0
	}
	line := 1
	lastLineStart := 0
	for i, b := range data {
		if int64(i) == offset {
			return line, i - lastLineStart + 1
		}
		if b == '\n' {
			line++
			lastLineStart = i + 1
		}
	}
	return line, int(offset) - lastLineStart + 1
}
