package fieldmap

import (
	"strings"
	"sync"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

var (
	countryNamesOnce sync.Once
	countryNames     map[string]string
)

// CountryCode resolves a free-text country name or ISO code to an ISO 3166
// alpha-2 code. Unknown values resolve to "".
func CountryCode(value string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return ""
	}
	if len(v) <= 3 {
		if region, err := language.ParseRegion(strings.ToUpper(v)); err == nil && region.IsCountry() {
			return region.String()
		}
	}
	countryNamesOnce.Do(loadCountryNames)
	return countryNames[strings.ToLower(v)]
}

func loadCountryNames() {
	countryNames = make(map[string]string)
	namer := display.Regions(language.English)
	for a := 'A'; a <= 'Z'; a++ {
		for b := 'A'; b <= 'Z'; b++ {
			region, err := language.ParseRegion(string([]rune{a, b}))
			if err != nil || !region.IsCountry() {
				continue
			}
			code := region.String()
			if len(code) != 2 {
				continue
			}
			if name := namer.Name(region); name != "" {
				countryNames[strings.ToLower(name)] = code
			}
		}
	}
}
