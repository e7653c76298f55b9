package parser

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	brTagPattern      = regexp.MustCompile(`(?i) ?<br\s*/?> ?`)
	tagPattern        = regexp.MustCompile(`<[^>]*>`)
	numericEntity     = regexp.MustCompile(`&#(?:[xX]([0-9a-fA-F]{1,6})|([0-9]{1,7}));`)
	imageURLPattern   = regexp.MustCompile(`(?i)h?ttps?://[^\s"'<>]+?\.(?:jpe?g|png|gif|webp)(?:\?[^\s"'<>]*)?`)
	anchorPattern     = regexp.MustCompile(`(?:>>|＞＞)([0-9０-９]{1,5})(?:[-ー－]([0-9０-９]{1,5}))?`)
	blankLinesPattern = regexp.MustCompile(`\n{3,}`)
)

// 掲示板が使う限られた実体参照のみを戻します。&amp; は二重変換を避けるため最後に処理します。
var entityReplacer = strings.NewReplacer(
	"&gt;", ">",
	"&lt;", "<",
	"&quot;", `"`,
	"&#39;", "'",
	"&apos;", "'",
	"&nbsp;", " ",
	"&hearts;", "♥",
)

// maxAnchorRange は >>3-500 のような巨大な範囲アンカーを展開しすぎないための上限です。
const maxAnchorRange = 50

// CleanBody は、本文の HTML をプレーンテキストへ変換します。
// <br> は改行に、アンカータグは中身のテキストだけを残し、&gt;&gt; は >> に戻します。
func CleanBody(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = brTagPattern.ReplaceAllString(s, "\n")
	s = tagPattern.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "&gt;&gt;", ">>")
	s = decodeEntities(s)

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	s = strings.Join(lines, "\n")
	s = blankLinesPattern.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func decodeEntities(s string) string {
	if !strings.Contains(s, "&") {
		return s
	}
	s = entityReplacer.Replace(s)
	s = numericEntity.ReplaceAllStringFunc(s, func(m string) string {
		sub := numericEntity.FindStringSubmatch(m)
		var (
			n   int64
			err error
		)
		if sub[1] != "" {
			n, err = strconv.ParseInt(sub[1], 16, 32)
		} else {
			n, err = strconv.ParseInt(sub[2], 10, 32)
		}
		if err != nil || n <= 0 || n > 0x10FFFF {
			return m
		}
		return string(rune(n))
	})
	return strings.ReplaceAll(s, "&amp;", "&")
}

// ExtractImageURLs は、本文（HTML でもテキストでも可）から画像URLを出現順に重複なく抽出します。
// 2ch 系で慣習的な "ttps://" 表記は "https://" に補います。
func ExtractImageURLs(s string) []string {
	matches := imageURLPattern.FindAllString(s, -1)
	urls := make([]string, 0, len(matches))
	seen := make(map[string]bool, len(matches))
	for _, m := range matches {
		if strings.HasPrefix(strings.ToLower(m), "ttp") {
			m = "h" + m
		}
		m = strings.ReplaceAll(m, "&amp;", "&")
		if seen[m] {
			continue
		}
		seen[m] = true
		urls = append(urls, m)
	}
	return urls
}

// ExtractAnchors は、本文中の >>N（>>N-M を含む）が参照するレス番号を昇順で返します。
func ExtractAnchors(body string) []int {
	matches := anchorPattern.FindAllStringSubmatch(body, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[int]bool)
	for _, m := range matches {
		from, err := strconv.Atoi(toHalfWidthDigits(m[1]))
		if err != nil || from <= 0 {
			continue
		}
		to := from
		if m[2] != "" {
			if v, err := strconv.Atoi(toHalfWidthDigits(m[2])); err == nil && v >= from && v-from < maxAnchorRange {
				to = v
			}
		}
		for n := from; n <= to; n++ {
			seen[n] = true
		}
	}
	anchors := make([]int, 0, len(seen))
	for n := range seen {
		anchors = append(anchors, n)
	}
	sort.Ints(anchors)
	return anchors
}

func toHalfWidthDigits(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '０' && r <= '９' {
			return '0' + (r - '０')
		}
		return r
	}, s)
}

// cleanInline は、名前欄など1行のフィールドからタグと実体参照を取り除きます。
func cleanInline(s string) string {
	s = tagPattern.ReplaceAllString(s, "")
	s = decodeEntities(s)
	return strings.TrimSpace(s)
}
