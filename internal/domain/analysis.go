package domain

// AnalysisType names one of the 21 supported analysis variants. The set is
// closed: profile loading rejects unknown types, and every type must carry
// both an analysis profile and three corrective stages.
type AnalysisType string

const (
	TypeActivities       AnalysisType = "activities"
	TypeAges             AnalysisType = "ages"
	TypeBodyShapes       AnalysisType = "body_shapes"
	TypeCaptions         AnalysisType = "captions"
	TypeCategory         AnalysisType = "category"
	TypeColors           AnalysisType = "colors"
	TypeComposition      AnalysisType = "composition"
	TypeEmotions         AnalysisType = "emotions"
	TypeEthnicity        AnalysisType = "ethnicity"
	TypeEvents           AnalysisType = "events"
	TypeGender           AnalysisType = "gender"
	TypeLighting         AnalysisType = "lighting"
	TypeLocations        AnalysisType = "locations"
	TypeObjects          AnalysisType = "objects"
	TypeOcclusions       AnalysisType = "occlusions"
	TypeOutfits          AnalysisType = "outfits"
	TypeRelationships    AnalysisType = "relationships"
	TypeSceneDescription AnalysisType = "scene_description"
	TypeThemes           AnalysisType = "themes"
	TypeTimeOfDay        AnalysisType = "time_of_day"
	TypeWeather          AnalysisType = "weather"
)

// AllAnalysisTypes returns the closed set in stable order.
func AllAnalysisTypes() []AnalysisType {
	return []AnalysisType{
		TypeActivities, TypeAges, TypeBodyShapes, TypeCaptions, TypeCategory,
		TypeColors, TypeComposition, TypeEmotions, TypeEthnicity, TypeEvents,
		TypeGender, TypeLighting, TypeLocations, TypeObjects, TypeOcclusions,
		TypeOutfits, TypeRelationships, TypeSceneDescription, TypeThemes,
		TypeTimeOfDay, TypeWeather,
	}
}

// Valid reports whether t belongs to the closed set.
func (t AnalysisType) Valid() bool {
	for _, known := range AllAnalysisTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// Tier names one QA validation stage.
type Tier string

const (
	TierStructural     Tier = "structural"
	TierContentQuality Tier = "content_quality"
	TierDomainExpert   Tier = "domain_expert"
)

// TierOrder returns the tiers in execution order. All attempts of tier N
// complete before any attempt of tier N+1 begins.
func TierOrder() []Tier {
	return []Tier{TierStructural, TierContentQuality, TierDomainExpert}
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t == TierStructural || t == TierContentQuality || t == TierDomainExpert
}

// MaxTierAttempts caps QA attempts per tier, corrective retries included.
const MaxTierAttempts = 3
