package parser

import (
	"strings"

	"github.com/rs/zerolog/log"
)

const datDelimiter = "<>"

// ParseDAT は DAT 形式（1行1レス、"名前<>メール<>日付 ID:xxx<>本文<>スレタイ"）を解析します。
// 区切りが4つ未満の行は壊れた行として読み飛ばしますが、行番号は詰めません。
// レス番号は掲示板と同じく1始まりの行番号です。
func ParseDAT(text string) (*Result, error) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}

	result := &Result{Layout: "dat"}
	skipped := 0
	for i, line := range lines {
		post, title, ok := ParseDATLine(line, i+1)
		if !ok {
			skipped++
			continue
		}
		if i == 0 {
			result.Title = title
		}
		result.Posts = append(result.Posts, post)
	}
	if skipped > 0 {
		log.Debug().Int("skipped", skipped).Int("lines", len(lines)).Msg("DATの壊れた行を読み飛ばしました")
	}
	if len(result.Posts) == 0 {
		return nil, ErrNoPosts
	}
	return result, nil
}

// ParseDATLine は DAT の1行を解析します。number は1始まりの行番号です。
// 5番目のフィールド（スレタイ）は1行目でのみ意味を持ちます。
func ParseDATLine(line string, number int) (post RawPost, title string, ok bool) {
	fields := strings.Split(line, datDelimiter)
	if len(fields) < 4 {
		return RawPost{}, "", false
	}
	if len(fields) >= 5 {
		title = cleanInline(fields[4])
	}

	dateText, tag := SplitDateAndID(fields[2])
	post = RawPost{
		Number:    number,
		Name:      cleanInline(fields[0]),
		Mail:      cleanInline(fields[1]),
		AuthorTag: tag,
		DateText:  dateText,
		Body:      CleanBody(fields[3]),
		ImageURLs: ExtractImageURLs(fields[3]),
	}
	post.CreatedAt, post.HasDate = ParseDate(dateText)
	return post, title, true
}
