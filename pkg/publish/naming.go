package publish

import (
	"path"
	"regexp"
	"strings"
)

// Bundlers embed a content hash in the names of built assets so that caches
// can hold them forever. The hash appears either as the whole stem
// (`3f2a9c.js`) or as an infix (`app.3f2a9c.js`, `app.3f2a9c.chunk.js`).
var (
	hashPrefixPattern = regexp.MustCompile(`^[0-9a-fA-F.]+`)
	hashInfixPattern  = regexp.MustCompile(`\.[0-9a-fA-F.]+`)
)

// HashStemmed returns whether both names are nothing but a hex hash followed
// by their extension. Two such names are distinct builds sharing a naming
// slot, so the names alone never prove the files are the same asset.
func HashStemmed(nameA, nameB string) bool {
	return isHashStem(nameA) && isHashStem(nameB)
}

func isHashStem(name string) bool {
	ext := strings.TrimPrefix(path.Ext(name), ".")
	return hashPrefixPattern.ReplaceAllString(name, "") == ext
}

// FilenamesEqualIgnoringHash returns whether the two names are identical
// once their hash infix is removed, e.g. `app.3f2a9c.js` and `app.9b71e0.js`.
// Names that are hash stems never match.
func FilenamesEqualIgnoringHash(nameA, nameB string) bool {
	if HashStemmed(nameA, nameB) {
		return false
	}

	strippedA, okA := stripHashInfix(nameA)
	strippedB, okB := stripHashInfix(nameB)
	return okA && okB && strippedA == strippedB
}

// SameLogicalAsset returns whether both names follow one of the
// content-hash-in-filename conventions.
func SameLogicalAsset(nameA, nameB string) bool {
	if HashStemmed(nameA, nameB) {
		return true
	}
	return hashInfixPattern.MatchString(nameA) && hashInfixPattern.MatchString(nameB)
}

// stripHashInfix replaces the first hash infix in `name` with a single dot.
func stripHashInfix(name string) (string, bool) {
	loc := hashInfixPattern.FindStringIndex(name)
	if loc == nil {
		return name, false
	}
	return name[:loc[0]] + "." + name[loc[1]:], true
}
