package chunker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"collapse spaces", "  ERP   is\t\tgreat  ", "ERP is great"},
		{"blank lines dropped", "one\n\n   \ntwo", "one\ntwo"},
		{"symbols stripped", "cost: $100 <b>only</b> & more", "cost: 100 bonly/b more"},
		{"quotes normalized", "“quoted” and ‘single’", `"quoted" and 'single'`},
		{"japanese kept", "品質　マネジメント。", "品質 マネジメント。"},
		{"empty", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanText(tt.in))
		})
	}
}

func TestDetectLanguage(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"english", "Change management is critical for ERP deployment.", "en"},
		{"japanese", "ERPの導入には慎重な計画が必要です。", "ja"},
		{"chinese", "企业资源计划系统的实施需要仔细规划。", "zh"},
		{"korean", "ERP 구현에는 신중한 계획이 필요합니다.", "ko"},
		{"too short", "short", ""},
		{"no letters", "1234567890 !!!", ""},
		{"english with a japanese term", "The quality management standard is known as 品質 in the manual.", "en"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DetectLanguage(tt.text))
		})
	}
}
