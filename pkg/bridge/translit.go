package bridge

import (
	"strings"
	"sync"
	"unicode"

	"github.com/gojp/kana"
	"github.com/ikawaha/kagome-dict/ipa"
	"github.com/ikawaha/kagome/v2/tokenizer"
	"github.com/mozillazg/go-unidecode"
)

// The tokenizer loads its embedded dictionary on first use; channel creation
// is rare enough that lazy construction is fine.
var jaTokenizer = sync.OnceValues(func() (*tokenizer.Tokenizer, error) {
	return tokenizer.New(ipa.Dict(), tokenizer.OmitBosEos())
})

// transliterate maps a display name to ASCII. Japanese text is segmented
// morphologically and romanized from the tokens' readings: kanji carry
// Japanese readings that a per-character table lookup would render with
// Chinese pinyin instead (田中さん must come out "tanaka san", not
// "tian zhong san"). Everything else goes through the generic
// transliteration table.
func transliterate(s string) string {
	if !containsJapanese(s) {
		return unidecode.Unidecode(s)
	}

	t, err := jaTokenizer()
	if err != nil {
		return unidecode.Unidecode(s)
	}

	var parts []string
	for _, tok := range t.Tokenize(s) {
		if reading, ok := tok.Reading(); ok && reading != "*" {
			parts = append(parts, kana.KanaToRomaji(reading))
			continue
		}
		// No dictionary reading (latin, digits, symbols, unknown words).
		if p := strings.TrimSpace(unidecode.Unidecode(tok.Surface)); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

func containsJapanese(s string) bool {
	for _, r := range s {
		if unicode.In(r, unicode.Hiragana, unicode.Katakana, unicode.Han) {
			return true
		}
	}
	return false
}
