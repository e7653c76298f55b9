package jpenc

import (
	"fmt"
	"strings"
)

// Thresholds は文字化け判定のしきい値です。
// 値は経験的に決められたもので、互換性のため既定値を変えずに設定で上書きできるようにしています。
type Thresholds struct {
	// MaxReplacementChars を超える U+FFFD があれば不合格
	MaxReplacementChars int `json:"max_replacement_chars"`
	// MaxArtifactChars を超える既知の化け文字があれば不合格
	MaxArtifactChars int `json:"max_artifact_chars"`
	// 先頭 SampleRunes 文字中の日本語文字が MinJapaneseChars 未満で、
	// 全体が MinTextLength 文字を超える場合は不合格
	MinJapaneseChars int `json:"min_japanese_chars"`
	SampleRunes      int `json:"sample_runes"`
	MinTextLength    int `json:"min_text_length"`
}

// DefaultThresholds は既定のしきい値を返します。
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxReplacementChars: 50,
		MaxArtifactChars:    30,
		MinJapaneseChars:    10,
		SampleRunes:         500,
		MinTextLength:       100,
	}
}

func (t Thresholds) withDefaults() Thresholds {
	def := DefaultThresholds()
	if t.MaxReplacementChars <= 0 {
		t.MaxReplacementChars = def.MaxReplacementChars
	}
	if t.MaxArtifactChars <= 0 {
		t.MaxArtifactChars = def.MaxArtifactChars
	}
	if t.MinJapaneseChars <= 0 {
		t.MinJapaneseChars = def.MinJapaneseChars
	}
	if t.SampleRunes <= 0 {
		t.SampleRunes = def.SampleRunes
	}
	if t.MinTextLength <= 0 {
		t.MinTextLength = def.MinTextLength
	}
	return t
}

// artifactChars は、UTF-8 のバイト列を Shift_JIS として読んだときに頻出する文字です。
const artifactChars = "縺繧繝譁蜷荳驕莉螳遘逶蛻閾讒隱"

// Check は text が文字化けしていないかを判定します。
// 不合格の場合は ok=false と理由を返します。
func (t Thresholds) Check(text string) (ok bool, reason string) {
	t = t.withDefaults()

	replacements := strings.Count(text, "\uFFFD")
	if replacements > t.MaxReplacementChars {
		return false, fmt.Sprintf("置換文字が多すぎます (%d)", replacements)
	}

	artifacts := 0
	total := 0
	japanese := 0
	for _, r := range text {
		if strings.ContainsRune(artifactChars, r) {
			artifacts++
		}
		if total < t.SampleRunes && isJapanese(r) {
			japanese++
		}
		total++
	}
	if artifacts > t.MaxArtifactChars {
		return false, fmt.Sprintf("化け文字が多すぎます (%d)", artifacts)
	}
	if total > t.MinTextLength && japanese < t.MinJapaneseChars {
		return false, fmt.Sprintf("日本語文字が少なすぎます (%d/%d)", japanese, t.SampleRunes)
	}
	return true, ""
}

func isJapanese(r rune) bool {
	switch {
	case r >= 0x3040 && r <= 0x309F: // ひらがな
		return true
	case r >= 0x30A0 && r <= 0x30FF: // カタカナ
		return true
	case r >= 0x4E00 && r <= 0x9FAF: // 漢字
		return true
	}
	return false
}
