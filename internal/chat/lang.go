package chat

import (
	"unicode"

	"golang.org/x/text/language"
)

// scripts maps the Indic scripts a question may be typed in to the
// language most often written in them.
var scripts = []struct {
	table *unicode.RangeTable
	tag   language.Tag
}{
	{unicode.Devanagari, language.Hindi},
	{unicode.Bengali, language.Bengali},
	{unicode.Gurmukhi, language.Punjabi},
	{unicode.Gujarati, language.Gujarati},
	{unicode.Oriya, language.Make("or")},
	{unicode.Tamil, language.Tamil},
	{unicode.Telugu, language.Telugu},
	{unicode.Kannada, language.Kannada},
	{unicode.Malayalam, language.Malayalam},
}

// DetectLanguage guesses the language of text from the script most of its
// letters are written in. Text with no Indic letters is English.
func DetectLanguage(text string) string {
	counts := make([]int, len(scripts))
	latin := 0
	for _, r := range text {
		if !unicode.IsLetter(r) && !unicode.Is(unicode.Mn, r) && !unicode.Is(unicode.Mc, r) {
			continue
		}
		if unicode.Is(unicode.Latin, r) {
			latin++
			continue
		}
		for i, s := range scripts {
			if unicode.Is(s.table, r) {
				counts[i]++
				break
			}
		}
	}

	best, bestCount := language.English, latin
	for i, n := range counts {
		if n > bestCount {
			best, bestCount = scripts[i].tag, n
		}
	}
	base, _ := best.Base()
	return base.String()
}
