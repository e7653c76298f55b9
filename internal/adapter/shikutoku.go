package adapter

import (
	"regexp"
	"strings"

	"github.com/ru88s/matomeln-sub000/internal/config"
	"github.com/ru88s/matomeln-sub000/internal/model"
	"github.com/ru88s/matomeln-sub000/internal/parser"
)

var (
	talkPathPattern = regexp.MustCompile(`/talks/(\d+)(?:/|$)`)
	bareIDPattern   = regexp.MustCompile(`^\d+$`)
)

// ShikutokuAdapter は Shikutoku のトークを扱います。数字だけの入力もトークIDとみなします。
type ShikutokuAdapter struct {
	base
	primary []string
	readers []string
}

func NewShikutokuAdapter(s config.SourceSettings, layouts []parser.Layout) *ShikutokuAdapter {
	return &ShikutokuAdapter{
		base:    base{kind: model.SourceShikutoku, hosts: lowerAll(s.Hosts), aliases: orderAliases(s.Aliases), layouts: layouts},
		primary: s.Primary,
		readers: s.Readers,
	}
}

func (a *ShikutokuAdapter) Match(input string) bool {
	if bareIDPattern.MatchString(strings.TrimSpace(input)) {
		return true
	}
	return a.matchURL(input)
}

func (a *ShikutokuAdapter) ParseURL(input string) (model.Locator, bool) {
	s := strings.TrimSpace(input)
	if bareIDPattern.MatchString(s) {
		return model.NewTalkLocator(s), true
	}
	u, ok := parseInputURL(s)
	if !ok || !a.ownsHost(a.canonicalHost(u.Hostname())) {
		return model.Locator{}, false
	}
	m := talkPathPattern.FindStringSubmatch(u.Path)
	if m == nil {
		return model.Locator{}, false
	}
	return model.NewTalkLocator(m[1]), true
}

// CandidateURLs は JSON API → HTML の順に候補を返します。
func (a *ShikutokuAdapter) CandidateURLs(loc model.Locator) []Candidate {
	if loc.Family != model.FamilyProprietaryAPI {
		return nil
	}
	var l candidateList
	l.add(a.primary, loc, FormatJSON, ClientBrowser)
	l.add(a.readers, loc, FormatHTML, ClientBrowser)
	return l.items
}
