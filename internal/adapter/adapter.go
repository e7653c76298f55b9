// Package adapter は、掲示板サービスごとの URL 解釈と取得候補URLの生成、
// 取得した文書の解析方法の選択を抽象化します。
// 新しい掲示板への対応は SourceAdapter を実装して登録するだけで済みます。
package adapter

import (
	"net/url"
	"sort"
	"strings"

	"github.com/ru88s/matomeln-sub000/internal/model"
	"github.com/ru88s/matomeln-sub000/internal/parser"
)

// Format は取得候補の文書形式です。
type Format string

const (
	FormatDAT  Format = "dat"
	FormatHTML Format = "html"
	FormatJSON Format = "json"
)

// ClientKind は取得時に名乗るクライアントの種類です。
type ClientKind string

const (
	// ClientMonazilla は DAT 取得用の専用ブラウザとして名乗ります。
	ClientMonazilla ClientKind = "monazilla"
	// ClientBrowser は一般的なブラウザとして名乗ります。
	ClientBrowser ClientKind = "browser"
)

// Candidate は取得を試みる文書URLのひとつです。
type Candidate struct {
	URL    string     `json:"url"`
	Format Format     `json:"format"`
	Client ClientKind `json:"client"`
}

// SourceAdapter は、掲示板サービス固有の処理を抽象化するインターフェースです。
// どのメソッドもネットワークにアクセスせず、パニックもしません。
type SourceAdapter interface {
	Kind() model.SourceKind
	// Match は、入力がこのサービスのものに見えるかをホスト名などで判定します。
	Match(input string) bool
	// ParseURL は、入力からロケータを取り出します。解釈できなければ ok=false。
	ParseURL(input string) (loc model.Locator, ok bool)
	// CandidateURLs は、成功しやすい順に並んだ取得候補を返します。
	CandidateURLs(loc model.Locator) []Candidate
	// Parse は、候補の形式に応じて文書を解析します。
	Parse(c Candidate, text string) (*parser.Result, error)
}

// base は各アダプタに共通するホスト判定と解析の実装です。
type base struct {
	kind    model.SourceKind
	hosts   []string
	aliases []hostAlias
	layouts []parser.Layout
}

// hostAlias は旧ドメイン from を現行ドメイン to に読み替える規則です。
type hostAlias struct {
	from, to string
}

// orderAliases は、読み替え表を長い (より具体的な) ドメインから順に並べます。
// 重なる規則があっても結果が map の走査順に依存しないようにします。
func orderAliases(m map[string]string) []hostAlias {
	aliases := make([]hostAlias, 0, len(m))
	for from, to := range m {
		aliases = append(aliases, hostAlias{from: strings.ToLower(from), to: strings.ToLower(to)})
	}
	sort.Slice(aliases, func(i, j int) bool {
		if len(aliases[i].from) != len(aliases[j].from) {
			return len(aliases[i].from) > len(aliases[j].from)
		}
		return aliases[i].from < aliases[j].from
	})
	return aliases
}

func (b *base) Kind() model.SourceKind { return b.kind }

// canonicalHost は旧ドメインを現行ドメインへ読み替えます。
func (b *base) canonicalHost(host string) string {
	for _, a := range b.aliases {
		if host == a.from {
			return a.to
		}
		if strings.HasSuffix(host, "."+a.from) {
			return strings.TrimSuffix(host, a.from) + a.to
		}
	}
	return host
}

func (b *base) ownsHost(host string) bool {
	for _, h := range b.hosts {
		if hostMatches(host, h) {
			return true
		}
	}
	return false
}

func (b *base) matchURL(input string) bool {
	u, ok := parseInputURL(input)
	if !ok {
		return false
	}
	return b.ownsHost(b.canonicalHost(u.Hostname()))
}

func (b *base) Parse(c Candidate, text string) (*parser.Result, error) {
	switch c.Format {
	case FormatDAT:
		return parser.ParseDAT(text)
	case FormatJSON:
		return parser.ParseTalkJSON(text)
	default:
		return parser.ParseHTML(text, b.layouts)
	}
}

// hostMatches は、host が suffix 自身かそのサブドメインであるかを返します。
// "open2ch.net" が "2ch.net" に一致しないよう、ラベル境界で比較します。
func hostMatches(host, suffix string) bool {
	return host == suffix || strings.HasSuffix(host, "."+suffix)
}

// parseInputURL は、利用者が入力した文字列をURLとして解釈します。
// スキームの省略を許し、ホスト名は小文字にそろえます。
func parseInputURL(input string) (*url.URL, bool) {
	s := strings.TrimSpace(input)
	if s == "" {
		return nil, false
	}
	if !strings.Contains(s, "://") {
		s = "https://" + strings.TrimPrefix(s, "//")
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return nil, false
	}
	u.Host = strings.ToLower(u.Host)
	return u, true
}

// expand は URL テンプレートのプレースホルダを置換します。
func expand(tmpl string, loc model.Locator) string {
	key := loc.Key()
	key4 := key
	if len(key4) > 4 {
		key4 = key4[:4]
	}
	sub := loc.Server
	if i := strings.IndexByte(sub, '.'); i >= 0 {
		sub = sub[:i]
	}
	return strings.NewReplacer(
		"{server}", loc.Server,
		"{sub}", sub,
		"{board}", loc.Board,
		"{key4}", key4,
		"{key}", key,
	).Replace(tmpl)
}

// candidateList は重複を除きながら候補を順に積みます。
type candidateList struct {
	items []Candidate
	seen  map[string]bool
}

func (l *candidateList) add(templates []string, loc model.Locator, format Format, client ClientKind) {
	if l.seen == nil {
		l.seen = make(map[string]bool)
	}
	for _, t := range templates {
		u := expand(t, loc)
		if u == "" || l.seen[u] {
			continue
		}
		l.seen[u] = true
		l.items = append(l.items, Candidate{URL: u, Format: format, Client: client})
	}
}
