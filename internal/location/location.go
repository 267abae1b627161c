// Package location holds the canonical location names used as block-list
// keys.
package location

import "strings"

// Europe is the region-level label accounts can choose instead of a country.
const Europe = "Europe"

// aliases maps every recognised spelling to its canonical name.
var aliases = map[string]string{
	"Austria":             "Austria",
	"Belgium":             "Belgium",
	"Bulgaria":            "Bulgaria",
	"Croatia":             "Croatia",
	"Cyprus":              "Cyprus",
	"Czech Republic":      "Czechia",
	"Czechia":             "Czechia",
	"Denmark":             "Denmark",
	"Estonia":             "Estonia",
	"Finland":             "Finland",
	"France":              "France",
	"Germany":             "Germany",
	"Greece":              "Greece",
	"Hungary":             "Hungary",
	"Ireland":             "Ireland",
	"Republic of Ireland": "Ireland",
	"Italy":               "Italy",
	"Latvia":              "Latvia",
	"Lithuania":           "Lithuania",
	"Luxembourg":          "Luxembourg",
	"Malta":               "Malta",
	"Netherlands":         "Netherlands",
	"The Netherlands":     "Netherlands",
	"Poland":              "Poland",
	"Portugal":            "Portugal",
	"Romania":             "Romania",
	"Slovakia":            "Slovakia",
	"Slovenia":            "Slovenia",
	"Spain":               "Spain",
	"Sweden":              "Sweden",
	Europe:                Europe,
}

var canonicalList = []string{
	"Austria", "Belgium", "Bulgaria", "Croatia", "Cyprus",
	"Czechia", "Denmark", "Estonia", "Finland", "France",
	"Germany", "Greece", "Hungary", "Ireland", "Italy",
	"Latvia", "Lithuania", "Luxembourg", "Malta", "Netherlands",
	"Poland", "Portugal", "Romania", "Slovakia", "Slovenia",
	"Spain", "Sweden",
	Europe,
}

// Canonical returns the canonical name for a location as reported by the
// host site. ok is false for locations outside the built-in table.
func Canonical(name string) (canonical string, ok bool) {
	canonical, ok = aliases[strings.TrimSpace(name)]
	return canonical, ok
}

// Defaults returns a fresh copy of the canonical list, which is also the
// default block list.
func Defaults() []string {
	out := make([]string, len(canonicalList))
	copy(out, canonicalList)
	return out
}
