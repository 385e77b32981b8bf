package chunker

import (
	"strings"
	"unicode"
)

// Language codes returned by DetectLanguage
const (
	LangEnglish  = "en"
	LangJapanese = "ja"
	LangChinese  = "zh"
	LangKorean   = "ko"
)

const (
	minDetectLength = 10
	detectSample    = 1000
)

// CleanText collapses runs of spaces and tabs, drops blank lines and removes
// characters other than letters, digits, whitespace and common punctuation.
// Curly quotes become straight quotes.
func CleanText(text string) string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	out := make([]string, 0, len(lines))

	for _, line := range lines {
		var b strings.Builder
		for _, r := range line {
			switch {
			case r == '“' || r == '”':
				b.WriteRune('"')
			case r == '‘' || r == '’':
				b.WriteRune('\'')
			case unicode.IsSpace(r):
				b.WriteRune(' ')
			case allowed(r):
				b.WriteRune(r)
			}
		}
		cleaned := strings.Join(strings.Fields(b.String()), " ")
		if cleaned != "" {
			out = append(out, cleaned)
		}
	}

	return strings.Join(out, "\n")
}

func allowed(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.Mn, r) {
		return true
	}
	switch r {
	case '_', '.', ',', '!', '?', ';', ':', '-', '(', ')', '[', ']', '"', '\'', '%', '/',
		'。', '、', '！', '？', '「', '」', '・', 'ー':
		return true
	}
	return false
}

// DetectLanguage guesses the language of the first thousand characters of
// text from their script mix. Text where Latin letters outnumber CJK
// characters two to one is English. Otherwise kana means Japanese and
// Hangul outweighing Han means Korean, else Chinese. Text shorter than ten
// characters, or without letters, yields "".
func DetectLanguage(text string) string {
	trimmed := strings.TrimSpace(text)
	if len([]rune(trimmed)) < minDetectLength {
		return ""
	}

	var kana, hangul, han, other int
	n := 0
	for _, r := range trimmed {
		if n == detectSample {
			break
		}
		n++
		switch {
		case unicode.In(r, unicode.Hiragana, unicode.Katakana):
			kana++
		case unicode.Is(unicode.Hangul, r):
			hangul++
		case unicode.Is(unicode.Han, r):
			han++
		case unicode.IsLetter(r):
			other++
		}
	}

	cjk := kana + hangul + han
	switch {
	case cjk == 0 && other == 0:
		return ""
	case cjk*2 < other:
		return LangEnglish
	case kana > 0 && kana+han >= hangul:
		return LangJapanese
	case hangul >= han:
		return LangKorean
	default:
		return LangChinese
	}
}

func isUpper(r rune) bool {
	return unicode.IsUpper(r)
}
