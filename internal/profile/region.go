package profile

import "strings"

// Target is one region-change destination with its default country and language.
type Target struct {
	Region   string
	Country  string
	Language string
}

var regionTargets = map[string]Target{
	"USA": {Region: "USA", Country: "US", Language: "en"},
	"JPN": {Region: "JPN", Country: "JP", Language: "ja"},
}

var oppositeRegions = map[string]string{
	"USA": "JPN",
	"JPN": "USA",
}

// Opposite returns the region-change target for a profile currently in region.
func Opposite(region string) (Target, error) {
	key := strings.ToUpper(strings.TrimSpace(region))
	other, ok := oppositeRegions[key]
	if !ok {
		return Target{}, &ValidationError{Field: "region", Reason: "unsupported region " + region}
	}
	return regionTargets[other], nil
}
