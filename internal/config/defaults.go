package config

// 既定値
const (
	DefaultDATUserAgent         = "Monazilla/1.00 (matomeln/1.0)"
	DefaultRequestTimeoutMillis = 20000
	DefaultMaxBodyBytes         = 16 << 20
	DefaultMaxPages             = 20
	DefaultListenAddress        = "127.0.0.1:8080"
	DefaultOutputDirectory      = "./threads"
	DefaultHistoryFilePath      = "./threads/history.txt"
	DefaultRetryCount           = 3
	DefaultRetryWaitMillis      = 5000
	DefaultRequestInterval      = 1500
	DefaultDirectoryFormat      = "{source}/{thread_id}"
)

// DefaultSources は、対応している5つの掲示板の既定の対応表です。
func DefaultSources() []SourceSettings {
	datLayouts := []string{"article", "div.post", "dtdd"}
	return []SourceSettings{
		{
			Kind:  "shikutoku",
			Hosts: []string{"shikutoku.me"},
			Primary: []string{
				"https://shikutoku.me/api/talks/{key}",
			},
			Readers: []string{"https://shikutoku.me/talks/{key}"},
			Layouts: []string{"shikutoku"},
		},
		{
			Kind:       "5ch",
			Hosts:      []string{"5ch.net", "bbspink.com"},
			Aliases:    map[string]string{"2ch.net": "5ch.net"},
			ItestHosts: []string{"itest.5ch.net", "itest.bbspink.com"},
			Primary:    []string{"https://{server}/{board}/dat/{key}.dat"},
			Mirrors:    []string{"https://{sub}.2ch.sc/{board}/dat/{key}.dat"},
			Archives:   []string{"https://{server}/{board}/oyster/{key4}/{key}.dat"},
			Readers:    []string{"https://{server}/test/read.cgi/{board}/{key}/"},
			Layouts:    datLayouts,
		},
		{
			Kind:     "open2ch",
			Hosts:    []string{"open2ch.net"},
			Primary:  []string{"https://{server}/{board}/dat/{key}.dat"},
			Archives: []string{"https://{server}/{board}/oyster/{key4}/{key}.dat"},
			Readers:  []string{"https://{server}/test/read.cgi/{board}/{key}/"},
			Layouts:  []string{"dtdd", "div.post", "article"},
		},
		{
			Kind:     "2chsc",
			Hosts:    []string{"2ch.sc"},
			Primary:  []string{"http://{server}/{board}/dat/{key}.dat"},
			Mirrors:  []string{"https://{server}/{board}/dat/{key}.dat"},
			Archives: []string{"http://{server}/{board}/oyster/{key4}/{key}.dat"},
			Readers:  []string{"http://{server}/test/read.cgi/{board}/{key}/"},
			Layouts:  []string{"dtdd", "div.post"},
		},
		{
			Kind:    "girlschannel",
			Hosts:   []string{"girlschannel.net"},
			Readers: []string{"https://girlschannel.net/topics/{key}/"},
			Layouts: []string{"girlschannel"},
		},
	}
}

// Default は設定ファイルが無い場合に使う設定を返します。
func Default() *Config {
	cfg := &Config{ConfigVersion: compatibleVersion}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults は未指定の項目に既定値を設定します。
// Sources は kind 単位でマージし、設定ファイルに無い掲示板は既定の定義を使います。
func (c *Config) applyDefaults() {
	if c.OutputDirectory == "" {
		c.OutputDirectory = DefaultOutputDirectory
	}
	if c.HistoryFilePath == "" {
		c.HistoryFilePath = DefaultHistoryFilePath
	}
	if c.Network.DATUserAgent == "" {
		c.Network.DATUserAgent = DefaultDATUserAgent
	}
	if c.Network.RequestTimeoutMillis <= 0 {
		c.Network.RequestTimeoutMillis = DefaultRequestTimeoutMillis
	}
	if c.Network.MaxBodyBytes <= 0 {
		c.Network.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.API.ListenAddress == "" {
		c.API.ListenAddress = DefaultListenAddress
	}
	if c.MaxPages <= 0 {
		c.MaxPages = DefaultMaxPages
	}

	configured := make(map[string]bool, len(c.Sources))
	for _, s := range c.Sources {
		configured[s.Kind] = true
	}
	for _, s := range DefaultSources() {
		if !configured[s.Kind] {
			c.Sources = append(c.Sources, s)
		}
	}

	for i := range c.Jobs {
		c.Jobs[i].applyDefaults(c.OutputDirectory)
	}
}

func (j *Job) applyDefaults(outputDirectory string) {
	if j.OutputDirectory == "" {
		j.OutputDirectory = outputDirectory
	}
	if len(j.Formats) == 0 {
		j.Formats = []string{"json"}
	}
	if j.RetryCount <= 0 {
		j.RetryCount = DefaultRetryCount
	}
	if j.RetryWaitMillis <= 0 {
		j.RetryWaitMillis = DefaultRetryWaitMillis
	}
	if j.RequestIntervalMillis <= 0 {
		j.RequestIntervalMillis = DefaultRequestInterval
	}
	if j.DirectoryFormat == "" {
		j.DirectoryFormat = DefaultDirectoryFormat
	}
}

// AdHocJob は、設定ファイルに無いジョブをコマンドラインの入力から作ります。
// 出力先などは全体設定と既定値に従います。
func (c *Config) AdHocJob(name string, inputs []string) Job {
	job := Job{JobName: name, Inputs: inputs, EnableHistorySkip: true}
	job.applyDefaults(c.OutputDirectory)
	return job
}
