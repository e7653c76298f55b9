// Package jpenc は、掲示板から取得したバイト列の文字コードを推定し、
// UTF-8 文字列へ変換します。
//
// 掲示板サーバーは Content-Type と異なる文字コードを返すことがあるため、
// 正しい UTF-8 のバイト列はそのまま UTF-8 とし、それ以外は統計的な判定結果を
// 文字化けヒューリスティックで検証し、失敗した場合は SJIS → EUC-JP の順に候補を試します。
package jpenc

import (
	"bytes"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gogs/chardet"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/ru88s/matomeln-sub000/internal/model"
)

// candidateOrder は、判定結果が不合格だった場合に試す順序です。
var candidateOrder = []model.Encoding{model.EncodingSJIS, model.EncodingEUCJP, model.EncodingUTF8}

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Decoder は、しきい値を保持した文字コード変換器です。状態を持たないため並行利用できます。
type Decoder struct {
	thresholds Thresholds
	detect     func([]byte) (model.Encoding, bool)
}

// NewDecoder は、指定したしきい値で Decoder を生成します。
// ゼロ値のフィールドには既定値が使われます。
func NewDecoder(t Thresholds) *Decoder {
	return &Decoder{thresholds: t.withDefaults(), detect: Detect}
}

// Decode は、既定のしきい値でバイト列を変換します。
func Decode(b []byte) model.DecodedDocument {
	return NewDecoder(DefaultThresholds()).Decode(b)
}

// Decode は、バイト列を UTF-8 テキストへ変換します。エラーは返しません。
func (d *Decoder) Decode(b []byte) model.DecodedDocument {
	if len(b) == 0 {
		return model.DecodedDocument{SourceEncoding: model.EncodingUTF8, ConfidenceOK: true}
	}
	if bytes.HasPrefix(b, utf8BOM) {
		return model.DecodedDocument{
			Text:           decodeWith(b[len(utf8BOM):], model.EncodingUTF8),
			SourceEncoding: model.EncodingUTF8,
			ConfidenceOK:   true,
		}
	}

	// 日本語の Shift_JIS / EUC-JP 文書が UTF-8 として正しいバイト列になることはまず無い。
	// ASCII が大半の JSON や日本語以外の文字を含む文書でも UTF-8 として扱う。
	if utf8.Valid(b) {
		text := string(b)
		replacements := strings.Count(text, "\uFFFD")
		confident := replacements <= d.thresholds.MaxReplacementChars
		if !confident {
			log.Warn().Int("replacements", replacements).Msg("UTF-8 の文書に置換文字が多すぎます")
		}
		return model.DecodedDocument{Text: text, SourceEncoding: model.EncodingUTF8, ConfidenceOK: confident}
	}

	markup := looksLikeMarkup(b)
	tried := make(map[model.Encoding]bool, len(candidateOrder))
	if guess, ok := d.detect(b); ok {
		tried[guess] = true
		text, accepted, reason := d.try(b, guess, markup)
		if accepted {
			return model.DecodedDocument{Text: text, SourceEncoding: guess, ConfidenceOK: true}
		}
		log.Debug().Str("encoding", string(guess)).Str("reason", reason).Msg("判定された文字コードは不合格でした")
	}

	for _, enc := range candidateOrder {
		if tried[enc] {
			continue
		}
		text, ok, reason := d.try(b, enc, markup)
		if ok {
			return model.DecodedDocument{Text: text, SourceEncoding: enc, ConfidenceOK: true}
		}
		log.Debug().Str("encoding", string(enc)).Str("reason", reason).Msg("候補の文字コードを棄却しました")
	}

	log.Warn().Int("bytes", len(b)).Msg("文字コードを確定できませんでした。Shift_JISとして強制変換します")
	return model.DecodedDocument{
		Text:           decodeWith(b, model.EncodingSJIS),
		SourceEncoding: model.EncodingSJIS,
		ConfidenceOK:   false,
	}
}

// try は b を enc で変換して合否を返します。正しい UTF-8 は Decode の冒頭で受け入れ済みなので、
// ここに来る UTF-8 候補は常に不合格です。文字化け判定は Shift_JIS と EUC-JP にだけ掛けます。
func (d *Decoder) try(b []byte, enc model.Encoding, markup bool) (string, bool, string) {
	if enc == model.EncodingUTF8 {
		return "", false, "UTF-8 として不正なバイト列です"
	}
	text := decodeWith(b, enc)
	ok, reason := d.check(text, markup)
	return text, ok, reason
}

// check は文字化け判定を行います。HTML ではタグやスクリプトが日本語の比率を
// 下げてしまうため、表示される文字だけを対象にします。
func (d *Decoder) check(text string, markup bool) (bool, string) {
	if markup {
		text = visibleText(text)
	}
	return d.thresholds.Check(text)
}

var (
	invisibleBlockPattern = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>|<style[^>]*>.*?</style>|<!--.*?-->`)
	markupTagPattern      = regexp.MustCompile(`<[^>]*>`)
	whitespacePattern     = regexp.MustCompile(`\s+`)
)

func visibleText(html string) string {
	s := invisibleBlockPattern.ReplaceAllString(html, "")
	s = markupTagPattern.ReplaceAllString(s, " ")
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(s, " "))
}

// Detect は、統計的な判定器で文字コードを推定します。
// 対応外の文字コード（ISO-2022-JP など）の場合は ok=false を返します。
func Detect(b []byte) (model.Encoding, bool) {
	detector := chardet.NewTextDetector()
	if looksLikeMarkup(b) {
		detector = chardet.NewHtmlDetector()
	}
	result, err := detector.DetectBest(b)
	if err != nil || result == nil {
		return "", false
	}
	return encodingFromCharset(result.Charset)
}

func encodingFromCharset(name string) (model.Encoding, bool) {
	switch strings.ToUpper(strings.ReplaceAll(name, "_", "-")) {
	case "SHIFT-JIS", "SJIS", "WINDOWS-31J", "CP932":
		return model.EncodingSJIS, true
	case "EUC-JP", "EUCJP":
		return model.EncodingEUCJP, true
	case "UTF-8", "UTF8", "ISO-8859-1", "US-ASCII":
		// 判定器は純 ASCII を ISO-8859-1 と答えることがある
		return model.EncodingUTF8, true
	default:
		return "", false
	}
}

func looksLikeMarkup(b []byte) bool {
	head := b
	if len(head) > 1024 {
		head = head[:1024]
	}
	head = bytes.ToLower(head)
	return bytes.Contains(head, []byte("<html")) || bytes.Contains(head, []byte("<!doctype")) || bytes.Contains(head, []byte("<body"))
}

func encoderFor(enc model.Encoding) encoding.Encoding {
	switch enc {
	case model.EncodingSJIS:
		return japanese.ShiftJIS
	case model.EncodingEUCJP:
		return japanese.EUCJP
	default:
		return unicode.UTF8
	}
}

// decodeWith は指定した文字コードで変換します。不正なバイトは U+FFFD に置き換わります。
func decodeWith(b []byte, enc model.Encoding) string {
	reader := transform.NewReader(bytes.NewReader(b), encoderFor(enc).NewDecoder())
	decoded, err := io.ReadAll(reader)
	if err != nil {
		// x/text のデコーダは置換文字で継続するため、ここに来るのは読み込み途中の異常のみ
		log.Debug().Err(err).Str("encoding", string(enc)).Msg("文字コード変換が途中で終了しました")
	}
	return string(decoded)
}

// Encode は、UTF-8 文字列を指定した文字コードのバイト列へ変換します。
// テストや DAT の再生成に使います。
func Encode(s string, enc model.Encoding) ([]byte, error) {
	out, _, err := transform.Bytes(encoderFor(enc).NewEncoder(), []byte(s))
	return out, err
}
