// Package config は、アプリケーションの設定ファイル(config.json)の構造定義と、
// その読み込み、解決（テンプレートのマージなど）に関する機能を提供します。
package config

import (
	"github.com/ru88s/matomeln-sub000/internal/jpenc"
	"github.com/ru88s/matomeln-sub000/internal/parser"
)

// Config は config.json ファイル全体を表すルート構造体です。
type Config struct {
	ConfigVersion   string          `json:"config_version"`
	OutputDirectory string          `json:"output_directory,omitempty"`
	HistoryFilePath string          `json:"history_file_path,omitempty"`
	Network         NetworkSettings `json:"network"`
	Log             LogSettings     `json:"log"`
	API             APISettings     `json:"api"`
	// Encoding は文字化け判定のしきい値です。0 の項目には既定値が使われます。
	Encoding jpenc.Thresholds `json:"encoding"`
	// Sources は掲示板ごとのホスト名・ミラー・過去ログ・HTMLレイアウトの対応表です。
	// 掲示板側の仕様変更にはここを書き換えて追従します。
	Sources []SourceSettings `json:"sources"`
	// HTMLLayouts は組み込みレイアウトを名前単位で上書き・追加します。
	HTMLLayouts []parser.Layout `json:"html_layouts,omitempty"`
	// MaxPages は複数ページに分かれたトピックを辿る上限です。
	MaxPages     int            `json:"max_pages"`
	JobTemplates map[string]Job `json:"job_templates"`
	Jobs         []Job          `json:"jobs"`
}

// NetworkSettings は、HTTPリクエストに関するグローバルな設定を保持します。
type NetworkSettings struct {
	// DATUserAgent は DAT 取得時の専用ブラウザ識別子です。
	DATUserAgent string `json:"dat_user_agent"`
	// BrowserUserAgent が空の場合、HTML 取得のたびに実在するブラウザの UA をランダムに使います。
	BrowserUserAgent        string            `json:"browser_user_agent,omitempty"`
	DefaultHeaders          map[string]string `json:"default_headers"`
	PerDomainIntervalMillis map[string]int    `json:"per_domain_interval_ms"`
	RequestTimeoutMillis    int               `json:"request_timeout_ms"`
	MaxBodyBytes            int64             `json:"max_body_bytes"`
	// Cookies は起動時に Cookie Jar へ入れておく Cookie です (5ch の READJS=off など)。
	Cookies []CookieSettings `json:"cookies,omitempty"`
}

// CookieSettings は、URL のドメインに送る Cookie 1つです。
// URL にスキームが無い場合は https として扱います。
type CookieSettings struct {
	URL   string `json:"url"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

// LogSettings はログ出力の設定です。
type LogSettings struct {
	Level         string `json:"level"`
	NoColor       bool   `json:"no_color,omitempty"`
	JSON          bool   `json:"json,omitempty"`
	EnableLogFile bool   `json:"enable_log_file,omitempty"`
	LogFilePath   string `json:"log_file_path,omitempty"`
}

// APISettings は HTTP API サーバーの設定です。
type APISettings struct {
	ListenAddress string `json:"listen_address"`
	// Mode は gin の動作モード (debug / release / test) です。
	Mode          string `json:"mode,omitempty"`
	EnableMetrics bool   `json:"enable_metrics"`
}

// SourceSettings は、ひとつの掲示板サービスの URL 対応表です。
//
// URL テンプレートでは次のプレースホルダが使えます。
//
//	{server} ホスト名全体 (egg.5ch.net)
//	{sub}    ホスト名の先頭ラベル (egg)
//	{board}  板名
//	{key}    スレッドキー / トークID / トピックID
//	{key4}   スレッドキーの先頭4文字
type SourceSettings struct {
	Kind    string `json:"kind"`
	Enabled *bool  `json:"enabled,omitempty"`
	// Hosts はこのサービスとして扱うホスト名（サブドメインを含めて後方一致）です。
	Hosts []string `json:"hosts"`
	// Aliases は旧ドメインから現行ドメインへの読み替えです (例: "2ch.net" → "5ch.net")。
	Aliases map[string]string `json:"aliases,omitempty"`
	// ItestHosts は "itest.5ch.net/<server>/test/read.cgi/..." 形式のスマホ向けホストです。
	ItestHosts []string `json:"itest_hosts,omitempty"`
	Primary    []string `json:"primary"`
	Mirrors    []string `json:"mirrors,omitempty"`
	Archives   []string `json:"archives,omitempty"`
	Readers    []string `json:"readers,omitempty"`
	// Layouts は HTML 解析時に試すレイアウト名の順序です。
	Layouts []string `json:"layouts,omitempty"`
}

// IsEnabled は、Enabled が未指定なら true を返します。
func (s SourceSettings) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Job は一括取得ジョブを定義します。
type Job struct {
	Enabled     *bool    `json:"enabled,omitempty"`
	JobName     string   `json:"job_name,omitempty"`
	UseTemplate string   `json:"use_template,omitempty"`
	Inputs      []string `json:"inputs,omitempty"`
	// InputFile は1行1URLのファイルです。'#' で始まる行は無視します。
	InputFile       string   `json:"input_file,omitempty"`
	OutputDirectory string   `json:"output_directory,omitempty"`
	Formats         []string `json:"formats,omitempty"`
	ExcludeKeywords []string `json:"exclude_keywords,omitempty"`
	MinimumPosts    int      `json:"minimum_posts,omitempty"`
	// RetryCount は Transient エラー時の再試行回数です。
	RetryCount            int  `json:"retry_count,omitempty"`
	RetryWaitMillis       int  `json:"retry_wait_ms,omitempty"`
	RequestIntervalMillis int  `json:"request_interval_ms,omitempty"`
	EnableHistorySkip     bool `json:"enable_history_skip,omitempty"`
	// EnableUpdateCheck が true なら、保存済みのスレッドもレス数が増えていれば取り直します。
	EnableUpdateCheck bool `json:"enable_update_check,omitempty"`
	// DirectoryFormat は保存先ディレクトリの形式です。
	// {source} {thread_id} {key} {year} {month} {day} {thread_title_safe} が使えます。
	DirectoryFormat string `json:"directory_format,omitempty"`
	// MetadataIndexPath が指定されていれば、保存したスレッドの一覧を CSV で追記します。
	MetadataIndexPath string `json:"metadata_index_path,omitempty"`
}

// IsEnabled は、Enabled が未指定なら true を返します。
func (j Job) IsEnabled() bool {
	return j.Enabled == nil || *j.Enabled
}
