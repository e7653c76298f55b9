package parser

import (
	"fmt"
	"strings"
	"time"

	"github.com/ru88s/matomeln-sub000/internal/model"
	"github.com/tidwall/gjson"
)

// Shikutoku の API はバージョンによってキー名が揺れるため、候補パスを順に試します。
var (
	talkTitlePaths   = []string{"talk.title", "data.title", "title"}
	talkCommentPaths = []string{"comments", "talk.comments", "data.comments", "posts", "data.posts"}

	commentNumberPaths = []string{"number", "res_no", "no"}
	commentNamePaths   = []string{"name", "author", "user_name"}
	commentTagPaths    = []string{"name_id", "user_id", "id_tag"}
	commentBodyPaths   = []string{"body", "content", "text"}
	commentDatePaths   = []string{"created_at", "posted_at", "date"}
)

// ParseTalkJSON は Shikutoku のトーク API 応答を解析します。
// API 自身が不存在を報告した場合は ErrSourceNotFound を返します。
func ParseTalkJSON(text string) (*Result, error) {
	if !gjson.Valid(text) {
		return nil, fmt.Errorf("JSONとして解釈できません: %w", ErrNoPosts)
	}
	root := gjson.Parse(text)
	if talkNotFound(root) {
		return nil, ErrSourceNotFound
	}

	result := &Result{
		Title:  firstString(root, talkTitlePaths),
		Layout: "json",
	}
	comments := firstArray(root, talkCommentPaths)
	for i, c := range comments {
		body := firstString(c, commentBodyPaths)
		if body == "" {
			continue
		}
		post := RawPost{
			Number:    int(firstInt(c, commentNumberPaths)),
			Name:      cleanInline(firstString(c, commentNamePaths)),
			AuthorTag: strings.TrimPrefix(firstString(c, commentTagPaths), "ID:"),
			DateText:  firstString(c, commentDatePaths),
			Body:      CleanBody(body),
			ImageURLs: ExtractImageURLs(body),
		}
		if post.Number == 0 {
			post.Number = i + 1
		}
		post.CreatedAt, post.HasDate = parseAPIDate(post.DateText)
		result.Posts = append(result.Posts, post)
	}
	if len(result.Posts) == 0 {
		return nil, ErrNoPosts
	}
	return result, nil
}

func talkNotFound(root gjson.Result) bool {
	if s := root.Get("status"); s.Exists() && s.Int() == 404 {
		return true
	}
	if e := root.Get("error"); e.Exists() {
		msg := strings.ToLower(e.String())
		if strings.Contains(msg, "not found") || strings.Contains(msg, "not_found") || strings.Contains(msg, "見つかりません") {
			return true
		}
	}
	return false
}

// API の日付は RFC3339 が基本ですが、掲示板形式の日付が返ることもあります。
func parseAPIDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(model.JST), true
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04:05", s, model.JST); err == nil {
		return t, true
	}
	return ParseDate(s)
}

func firstString(r gjson.Result, paths []string) string {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() && v.String() != "" {
			return strings.TrimSpace(v.String())
		}
	}
	return ""
}

func firstInt(r gjson.Result, paths []string) int64 {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() {
			return v.Int()
		}
	}
	return 0
}

func firstArray(r gjson.Result, paths []string) []gjson.Result {
	for _, p := range paths {
		if v := r.Get(p); v.IsArray() {
			return v.Array()
		}
	}
	return nil
}
