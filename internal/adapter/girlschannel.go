package adapter

import (
	"regexp"

	"github.com/ru88s/matomeln-sub000/internal/config"
	"github.com/ru88s/matomeln-sub000/internal/model"
	"github.com/ru88s/matomeln-sub000/internal/parser"
)

var topicPathPattern = regexp.MustCompile(`^/topics/(\d+)(?:/|$)`)

// GirlsChannelAdapter はガールズちゃんねるのトピックを扱います。HTML のみで、ページ送りがあります。
type GirlsChannelAdapter struct {
	base
	readers []string
}

func NewGirlsChannelAdapter(s config.SourceSettings, layouts []parser.Layout) *GirlsChannelAdapter {
	return &GirlsChannelAdapter{
		base:    base{kind: model.SourceGirlsChannel, hosts: lowerAll(s.Hosts), aliases: orderAliases(s.Aliases), layouts: layouts},
		readers: s.Readers,
	}
}

func (a *GirlsChannelAdapter) Match(input string) bool {
	return a.matchURL(input)
}

func (a *GirlsChannelAdapter) ParseURL(input string) (model.Locator, bool) {
	u, ok := parseInputURL(input)
	if !ok || !a.ownsHost(a.canonicalHost(u.Hostname())) {
		return model.Locator{}, false
	}
	m := topicPathPattern.FindStringSubmatch(u.Path)
	if m == nil {
		return model.Locator{}, false
	}
	return model.NewTopicLocator(m[1]), true
}

func (a *GirlsChannelAdapter) CandidateURLs(loc model.Locator) []Candidate {
	if loc.Family != model.FamilyCommunityTopic {
		return nil
	}
	var l candidateList
	l.add(a.readers, loc, FormatHTML, ClientBrowser)
	return l.items
}
