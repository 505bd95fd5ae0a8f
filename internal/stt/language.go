package stt

import "strings"

// IndicLanguages are the short codes the Indian vendors accept.
var IndicLanguages = []string{"ml", "hi", "ta", "te", "kn", "bn", "mr", "gu", "pa", "od", "en"}

var localeTags = map[string]string{
	"ml": "ml-IN",
	"hi": "hi-IN",
	"ta": "ta-IN",
	"te": "te-IN",
	"kn": "kn-IN",
	"bn": "bn-IN",
	"mr": "mr-IN",
	"gu": "gu-IN",
	"pa": "pa-IN",
	"od": "od-IN",
	"en": "en-IN",
}

// LocaleTag maps a short code to the vendor locale ("ml" -> "ml-IN"). Tags
// that already carry a region pass through.
func LocaleTag(code string) string {
	code = strings.TrimSpace(code)
	if code == "" || strings.Contains(code, "-") {
		return code
	}
	if tag, ok := localeTags[strings.ToLower(code)]; ok {
		return tag
	}
	return code
}

// ShortCode is the inverse of LocaleTag ("ml-IN" -> "ml").
func ShortCode(tag string) string {
	tag = strings.TrimSpace(tag)
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	return strings.ToLower(tag)
}
