// Package registry maps upstream model identifiers onto the model families
// that share a daily usage quota.
package registry

import "strings"

// Family identifies a group of model versions sharing one usage counter.
type Family string

const (
	FamilyJimeng40      Family = "jimeng_4_0"
	FamilyJimeng41      Family = "jimeng_4_1"
	FamilyNanobanana    Family = "nanobanana"
	FamilyNanobananaPro Family = "nanobananapro"
	FamilyVideo30       Family = "video_3_0"

	// FamilyUnknown is returned for models outside the tracked set. Requests
	// for unknown models are not limit-filtered, matching upstream behavior.
	FamilyUnknown Family = ""
)

var modelFamilies = map[string]Family{
	"jimeng-4.0":    FamilyJimeng40,
	"jimeng-4.1":    FamilyJimeng41,
	"nanobanana":    FamilyNanobanana,
	"nanobananapro": FamilyNanobananaPro,
	"video-3.0":     FamilyVideo30,
}

// creditBearing marks families whose invocations consume upstream credits and
// therefore trigger a credit re-query after successful use.
var creditBearing = map[Family]bool{
	FamilyNanobanana:    true,
	FamilyNanobananaPro: true,
}

// FamilyForModel resolves a caller-supplied model name to its quota family.
func FamilyForModel(model string) Family {
	return modelFamilies[strings.TrimSpace(strings.ToLower(model))]
}

// Tracked reports whether the family participates in daily usage limiting.
func (f Family) Tracked() bool { return f != FamilyUnknown }

// CreditBearing reports whether successful requests for this family consume
// upstream credits.
func (f Family) CreditBearing() bool { return creditBearing[f] }

// Families returns all tracked families in counter-column order.
func Families() []Family {
	return []Family{
		FamilyJimeng40,
		FamilyJimeng41,
		FamilyNanobanana,
		FamilyNanobananaPro,
		FamilyVideo30,
	}
}
