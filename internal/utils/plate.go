package utils

import (
	"strings"
)

var stateCodes = map[string]struct{}{
	"AP": {}, "AR": {}, "AS": {}, "BR": {}, "CG": {}, "CH": {}, "DD": {}, "DL": {}, "GA": {}, "GJ": {},
	"HP": {}, "HR": {}, "JH": {}, "JK": {}, "KA": {}, "KL": {}, "LA": {}, "LD": {}, "MH": {}, "ML": {},
	"MN": {}, "MP": {}, "MZ": {}, "NL": {}, "OD": {}, "OR": {}, "PB": {}, "PY": {}, "RJ": {}, "SK": {},
	"TN": {}, "TR": {}, "TS": {}, "UK": {}, "UP": {}, "WB": {},
}

// stateConfusions lists two-letter OCR misreads and the code they stand for,
// in the order they are tried.
var stateConfusions = []struct {
	misread, code string
}{
	{"TH", "TN"},
	{"HH", "MH"},
	{"KH", "KA"},
	{"PH", "PB"},
	{"WH", "WB"},
	{"RH", "RJ"},
	{"HN", "MN"},
	{"HM", "MM"},
	{"NH", "MH"},
	{"TM", "TN"},
	{"OL", "DL"},
}

// 'H' is the glyph OCR most often produces for M, N and friends.
const misreadLetter = 'H'

var (
	leadingHCandidates  = []byte{'M', 'N', 'K', 'W', 'R'}
	trailingHCandidates = []byte{'N', 'M', 'A', 'P', 'J', 'R', 'K', 'L'}
)

var (
	toLetter = map[byte]byte{'0': 'O', '1': 'I', '5': 'S'}
	toDigit  = map[byte]byte{'O': '0', 'I': '1', 'S': '5', 'Z': '2'}
	// the series band only folds the two glyphs that are rare as series letters
	toDigitConservative = map[byte]byte{'O': '0', 'I': '1'}
)

// IsStateCode reports whether code is a known two-letter state or union territory code.
func IsStateCode(code string) bool {
	_, ok := stateCodes[code]
	return ok
}

// NormalizePlate folds raw OCR output into a canonical plate code. It never
// fails: the worst case is a filtered string that is not a real plate.
func NormalizePlate(raw string) string {
	text := filterPlateAlphabet(raw)
	text = repairStateCode(text)
	return foldPositions(text)
}

func filterPlateAlphabet(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(raw) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func repairStateCode(text string) string {
	if len(text) < 2 {
		return text
	}
	prefix, rest := text[:2], text[2:]
	if IsStateCode(prefix) {
		return text
	}
	for _, c := range stateConfusions {
		if prefix == c.misread {
			return c.code + rest
		}
	}

	switch {
	case prefix[0] == misreadLetter:
		for _, r := range leadingHCandidates {
			if candidate := string([]byte{r, prefix[1]}); IsStateCode(candidate) {
				return candidate + rest
			}
		}
	case prefix[1] == misreadLetter:
		for _, r := range trailingHCandidates {
			if candidate := string([]byte{prefix[0], r}); IsStateCode(candidate) {
				return candidate + rest
			}
		}
	}
	return text
}

// foldPositions applies digit/letter substitutions by index band:
// [0,2) state letters, [2,4) district digits, [4,8) series (conservative),
// [8,end) registration digits.
func foldPositions(text string) string {
	out := []byte(text)
	for i := 0; i < len(out); i++ {
		c := out[i]
		switch {
		case i < 2:
			out[i] = fold(c, toLetter)
		case i < 4:
			out[i] = fold(c, toDigit)
		case i < 8:
			if i >= 6 || isDigit(out[i-1]) {
				out[i] = fold(c, toDigitConservative)
			}
		default:
			out[i] = fold(c, toDigit)
		}
	}
	return string(out)
}

func fold(c byte, table map[byte]byte) byte {
	if r, ok := table[c]; ok {
		return r
	}
	return c
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
