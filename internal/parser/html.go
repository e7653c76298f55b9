package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"
)

// LayoutKind は、HTML のレス構造の種類です。
type LayoutKind string

const (
	// KindContainer は1レスが1要素に収まる形式です（<article> や <div class="post">）。
	KindContainer LayoutKind = "container"
	// KindDefinitionList は <dt> にヘッダ、直後の <dd> に本文が入る旧形式です。
	KindDefinitionList LayoutKind = "dtdd"
)

// Layout は、ひとつの HTML レイアウトからレスを取り出すためのセレクタ一式です。
// 掲示板のレイアウト変更に追従しやすいよう、設定ファイルから差し替えられます。
type Layout struct {
	Name      string     `json:"name"`
	Kind      LayoutKind `json:"kind"`
	Container string     `json:"container"`

	NumberSelector string `json:"number_selector,omitempty"`
	NumberAttr     string `json:"number_attr,omitempty"`
	AuthorSelector string `json:"author_selector,omitempty"`
	DateSelector   string `json:"date_selector,omitempty"`
	TagSelector    string `json:"tag_selector,omitempty"`
	TagAttr        string `json:"tag_attr,omitempty"`
	BodySelector   string `json:"body_selector,omitempty"`

	TitleSelectors   []string `json:"title_selectors,omitempty"`
	NextPageSelector string   `json:"next_page_selector,omitempty"`
}

var digitsPattern = regexp.MustCompile(`\d+`)

// 既知のレイアウト。名前で設定から参照されます。
var builtinLayouts = map[string]Layout{
	// 2024年以降の 5ch (<article> 1件1レス)
	"article": {
		Name:           "article",
		Kind:           KindContainer,
		Container:      "article[id]",
		NumberSelector: ".postid",
		NumberAttr:     "id",
		AuthorSelector: ".postusername",
		DateSelector:   ".date",
		TagSelector:    ".uid",
		TagAttr:        "data-userid",
		BodySelector:   ".post-content",
		TitleSelectors: []string{"h1#title", "h1.title", "#threadtitle", "title"},
	},
	// 2016年頃からの 5ch / bbspink (<div class="post">)
	"div.post": {
		Name:           "div.post",
		Kind:           KindContainer,
		Container:      "div.post",
		NumberSelector: ".number",
		NumberAttr:     "data-id",
		AuthorSelector: ".name",
		DateSelector:   ".date",
		TagSelector:    ".uid",
		TagAttr:        "data-userid",
		BodySelector:   ".message",
		TitleSelectors: []string{"h1.title", "#threadtitle", "title"},
	},
	// 旧 2ch / 2ch.sc / open2ch (<dl><dt>ヘッダ<dd>本文)
	"dtdd": {
		Name:           "dtdd",
		Kind:           KindDefinitionList,
		Container:      "dt",
		AuthorSelector: "b",
		TitleSelectors: []string{"h1", "font[color=red]", "title"},
	},
	"girlschannel": {
		Name:             "girlschannel",
		Kind:             KindContainer,
		Container:        "li.comment-item",
		NumberSelector:   ".res-no",
		NumberAttr:       "id",
		AuthorSelector:   ".name",
		DateSelector:     ".date",
		BodySelector:     ".body",
		TitleSelectors:   []string{"h1", "title"},
		NextPageSelector: "a[rel=next], .pager a.next",
	},
	"shikutoku": {
		Name:           "shikutoku",
		Kind:           KindContainer,
		Container:      "[data-comment-number]",
		NumberAttr:     "data-comment-number",
		AuthorSelector: ".comment-name",
		DateSelector:   ".comment-date, time",
		TagSelector:    ".comment-id",
		BodySelector:   ".comment-body",
		TitleSelectors: []string{"h1", "title"},
	},
}

// LayoutsByName は名前の列をレイアウトの列に変換します。
// custom にある名前は組み込みより優先します。どちらにも無い名前はエラーです。
func LayoutsByName(names []string, custom []Layout) ([]Layout, error) {
	overrides := make(map[string]Layout, len(custom))
	for _, l := range custom {
		overrides[l.Name] = l
	}
	layouts := make([]Layout, 0, len(names))
	for _, name := range names {
		l, ok := overrides[name]
		if !ok {
			l, ok = builtinLayouts[name]
		}
		if !ok {
			return nil, fmt.Errorf("未知のHTMLレイアウト '%s' です", name)
		}
		layouts = append(layouts, l)
	}
	return layouts, nil
}

// ParseHTML は、layouts を順に試し、最初にレスが取れたレイアウトの結果を返します。
// どのレイアウトでも取れなければ ErrNoPosts です。
func ParseHTML(text string, layouts []Layout) (*Result, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	if err != nil {
		return nil, fmt.Errorf("HTMLの読み込みに失敗しました: %w (%w)", ErrNoPosts, err)
	}
	for _, layout := range layouts {
		posts := ParseHTMLWithLayout(doc, layout)
		if len(posts) == 0 {
			log.Debug().Str("layout", layout.Name).Msg("レイアウトに一致するレスがありませんでした")
			continue
		}
		return &Result{
			Title:    findTitle(doc, layout.TitleSelectors),
			Posts:    posts,
			Layout:   layout.Name,
			NextPage: findNextPage(doc, layout.NextPageSelector),
		}, nil
	}
	return nil, ErrNoPosts
}

// ParseHTMLWithLayout は、ひとつのレイアウトだけでレスを抽出します。
// 一致しない要素は読み飛ばし、エラーにはしません。
func ParseHTMLWithLayout(doc *goquery.Document, layout Layout) []RawPost {
	switch layout.Kind {
	case KindDefinitionList:
		return parseDefinitionList(doc, layout)
	default:
		return parseContainers(doc, layout)
	}
}

func parseContainers(doc *goquery.Document, layout Layout) []RawPost {
	var posts []RawPost
	doc.Find(layout.Container).Each(func(_ int, s *goquery.Selection) {
		bodySel := s
		if layout.BodySelector != "" {
			bodySel = s.Find(layout.BodySelector).First()
			if bodySel.Length() == 0 {
				return
			}
		}
		bodyHTML, err := bodySel.Html()
		if err != nil {
			return
		}

		post := RawPost{
			Number:    containerNumber(s, layout),
			Name:      selectText(s, layout.AuthorSelector),
			Body:      CleanBody(bodyHTML),
			ImageURLs: ExtractImageURLs(bodyHTML),
		}

		dateField := selectText(s, layout.DateSelector)
		post.DateText, post.AuthorTag = SplitDateAndID(dateField)
		if tag := containerTag(s, layout); tag != "" {
			post.AuthorTag = tag
		}
		post.CreatedAt, post.HasDate = ParseDate(post.DateText)
		posts = append(posts, post)
	})
	return posts
}

func containerNumber(s *goquery.Selection, layout Layout) int {
	if layout.NumberSelector != "" {
		if n := firstNumber(s.Find(layout.NumberSelector).First().Text()); n > 0 {
			return n
		}
	}
	if layout.NumberAttr != "" {
		if v, ok := s.Attr(layout.NumberAttr); ok {
			return firstNumber(v)
		}
	}
	return 0
}

func containerTag(s *goquery.Selection, layout Layout) string {
	var tag string
	if layout.TagAttr != "" {
		tag, _ = s.Attr(layout.TagAttr)
	}
	if tag == "" && layout.TagSelector != "" {
		tag = selectText(s, layout.TagSelector)
	}
	tag = strings.TrimSpace(tag)
	tag = strings.TrimPrefix(tag, "ID:")
	return firstToken(tag)
}

// parseDefinitionList は <dt>1 ：名前：2010/01/01(金) 00:00:00 ID:abc<dd>本文 の形式を読みます。
func parseDefinitionList(doc *goquery.Document, layout Layout) []RawPost {
	var posts []RawPost
	doc.Find(layout.Container).Each(func(_ int, dt *goquery.Selection) {
		dd := dt.Next()
		if !dd.Is("dd") {
			return
		}
		header := strings.TrimSpace(dt.Text())
		number := leadingNumber(header)
		if number == 0 {
			return
		}

		post := RawPost{Number: number}
		loc := datePattern.FindStringIndex(header)
		if loc != nil {
			post.DateText, post.AuthorTag = SplitDateAndID(header[loc[0]:])
		}
		post.Name = selectText(dt, layout.AuthorSelector)
		if post.Name == "" {
			post.Name = headerName(header, loc)
		}
		if href, ok := dt.Find("a[href^=mailto]").Attr("href"); ok {
			post.Mail = strings.TrimPrefix(href, "mailto:")
		}

		bodyHTML, err := dd.Html()
		if err != nil {
			return
		}
		post.Body = CleanBody(bodyHTML)
		post.ImageURLs = ExtractImageURLs(bodyHTML)
		post.CreatedAt, post.HasDate = ParseDate(post.DateText)
		posts = append(posts, post)
	})
	return posts
}

// headerName は "1 ：名無しさん：2010/..." から名前部分を取り出します。
func headerName(header string, dateLoc []int) string {
	end := len(header)
	if dateLoc != nil {
		end = dateLoc[0]
	}
	s := header[:end]
	s = strings.TrimLeft(s, "0123456789 ")
	s = strings.NewReplacer("名前：", "", "投稿日：", "").Replace(s)
	return strings.Trim(s, " ：:")
}

func leadingNumber(s string) int {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0
	}
	n, _ := strconv.Atoi(s[:i])
	return n
}

func firstNumber(s string) int {
	m := digitsPattern.FindString(s)
	if m == "" {
		return 0
	}
	n, _ := strconv.Atoi(m)
	return n
}

func selectText(s *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	return strings.TrimSpace(s.Find(selector).First().Text())
}

func findTitle(doc *goquery.Document, selectors []string) string {
	for _, sel := range selectors {
		if t := strings.TrimSpace(doc.Find(sel).First().Text()); t != "" {
			return t
		}
	}
	return ""
}

func findNextPage(doc *goquery.Document, selector string) string {
	if selector == "" {
		return ""
	}
	href, _ := doc.Find(selector).First().Attr("href")
	return strings.TrimSpace(href)
}
