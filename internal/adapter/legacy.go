package adapter

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ru88s/matomeln-sub000/internal/config"
	"github.com/ru88s/matomeln-sub000/internal/model"
	"github.com/ru88s/matomeln-sub000/internal/parser"
)

var (
	// /test/read.cgi/<board>/<key>[/...]
	readerPathPattern = regexp.MustCompile(`^/test/read\.(?:cgi|so)/([A-Za-z0-9_]+)/(\d+)(?:/|$)`)
	// /<board>/dat/<key>.dat
	datPathPattern = regexp.MustCompile(`^/([A-Za-z0-9_]+)/dat/(\d+)\.dat$`)
	// /<board>/oyster/<key4>/<key>.dat や /<board>/kako/<4桁>/<5桁>/<key>.html
	archivePathPattern = regexp.MustCompile(`^/([A-Za-z0-9_]+)/(?:oyster|kako)/\d+(?:/\d+)?/(\d+)\.(?:dat|html)$`)
)

// LegacyBoardAdapter は 5ch / open2ch / 2ch.sc など DAT 形式の掲示板を扱います。
type LegacyBoardAdapter struct {
	base
	itestHosts []string
	primary    []string
	mirrors    []string
	archives   []string
	readers    []string
}

// NewLegacyBoardAdapter は、対応表 s に従う LegacyBoardAdapter を生成します。
func NewLegacyBoardAdapter(kind model.SourceKind, s config.SourceSettings, layouts []parser.Layout) *LegacyBoardAdapter {
	return &LegacyBoardAdapter{
		base:       base{kind: kind, hosts: lowerAll(s.Hosts), aliases: orderAliases(s.Aliases), layouts: layouts},
		itestHosts: lowerAll(s.ItestHosts),
		primary:    s.Primary,
		mirrors:    s.Mirrors,
		archives:   s.Archives,
		readers:    s.Readers,
	}
}

func (a *LegacyBoardAdapter) Match(input string) bool {
	return a.matchURL(input)
}

// ParseURL は読み込み用URL (read.cgi)、DAT の直接URL、過去ログURL を解釈します。
// itest 形式のURLは通常の read.cgi 形式へ読み替えてから照合します。
func (a *LegacyBoardAdapter) ParseURL(input string) (model.Locator, bool) {
	u, ok := parseInputURL(input)
	if !ok {
		return model.Locator{}, false
	}
	host := a.canonicalHost(u.Hostname())
	if !a.ownsHost(host) {
		return model.Locator{}, false
	}
	path := u.Path
	if a.isItestHost(host) {
		host, path, ok = normalizeItest(host, path)
		if !ok {
			log.Debug().Str("url", input).Msg("サーバー名を含まない itest URL は解釈できません")
			return model.Locator{}, false
		}
	}

	for _, p := range []*regexp.Regexp{readerPathPattern, datPathPattern, archivePathPattern} {
		if m := p.FindStringSubmatch(path); m != nil {
			return model.NewLegacyBoardLocator(a.kind, host, m[1], m[2]), true
		}
	}
	return model.Locator{}, false
}

// CandidateURLs は DAT → ミラー → 過去ログ → HTML の順に候補を返します。
func (a *LegacyBoardAdapter) CandidateURLs(loc model.Locator) []Candidate {
	if loc.Family != model.FamilyLegacyBoard {
		return nil
	}
	var l candidateList
	l.add(a.primary, loc, FormatDAT, ClientMonazilla)
	l.add(a.mirrors, loc, FormatDAT, ClientMonazilla)
	l.add(a.archives, loc, FormatDAT, ClientMonazilla)
	l.add(a.readers, loc, FormatHTML, ClientBrowser)
	return l.items
}

func (a *LegacyBoardAdapter) isItestHost(host string) bool {
	for _, h := range a.itestHosts {
		if host == h {
			return true
		}
	}
	return false
}

// normalizeItest は itest.5ch.net/<server>/test/read.cgi/... を
// <server>.5ch.net/test/read.cgi/... に読み替えます。
func normalizeItest(host, path string) (string, string, bool) {
	segs := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 2)
	if len(segs) < 2 || segs[0] == "" || segs[0] == "test" || strings.Contains(segs[0], ".") {
		return "", "", false
	}
	domain := strings.TrimPrefix(host, "itest.")
	return segs[0] + "." + domain, "/" + segs[1], true
}

func lowerAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = strings.ToLower(s)
	}
	return out
}
