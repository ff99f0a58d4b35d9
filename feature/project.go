package feature

// ProjectFunc maps one raw record of a known category into a renderable point
// feature. It returns false when the record cannot be projected, which for
// every category means missing coordinates. Projectors are pure functions.
type ProjectFunc func(Record) (Feature, bool)

// projectors maps each known category to its projector. 1:1 with Categories().
var projectors = map[Category]ProjectFunc{
	CategoryAssets:        projectWithLayer("asset"),
	CategoryPlaces:        projectWithLayer("place"),
	CategoryPeople:        projectWithLayer("person"),
	CategoryAidWorkers:    projectWithLayer("aid_worker"),
	CategoryDistributions: projectWithLayer("distribution"),
	CategoryNeeds:         projectWithLayer("need"),
	CategoryStatus:        projectWithLayer("status"),
}

// Projector returns the projector for a category, or false for an unknown one.
func Projector(c Category) (ProjectFunc, bool) {
	p, ok := projectors[c]
	return p, ok
}

// Project runs the category's projector over a record.
// Records lacking either coordinate are silently excluded, never erroring.
func Project(c Category, r Record) (Feature, bool) {
	p, ok := projectors[c]
	if !ok {
		return Feature{}, false
	}
	return p(r)
}

// projectWithLayer builds a projector that copies the record's property bag
// and tags the resulting feature with its rendering layer.
func projectWithLayer(layer string) ProjectFunc {
	return func(r Record) (Feature, bool) {
		if r.Lat == nil || r.Lng == nil {
			return Feature{}, false
		}

		props := make(map[string]any, len(r.Properties)+3)
		for k, v := range r.Properties {
			props[k] = v
		}
		props["layer"] = layer
		if r.Region != "" {
			props["region"] = r.Region
		}
		if r.SubRegion != "" {
			props["subregion"] = r.SubRegion
		}

		return Feature{
			ID:          r.ID,
			Coordinates: [2]float64{*r.Lng, *r.Lat},
			Properties:  props,
		}, true
	}
}
