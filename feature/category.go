// Package feature defines the record categories exposed on the live map and
// the projection of raw records into renderable point features.
package feature

// Category names one kind of domain record stream. The set is fixed and known
// at compile time; each category maps 1:1 to a storage table and a projector.
type Category string

// Known categories
const (
	CategoryAssets        Category = "assets"
	CategoryPlaces        Category = "places"
	CategoryPeople        Category = "people"
	CategoryAidWorkers    Category = "aid_workers"
	CategoryDistributions Category = "distributions"
	CategoryNeeds         Category = "needs"
	CategoryStatus        Category = "status"
)

// Categories returns all known categories in a stable order.
func Categories() []Category {
	return []Category{
		CategoryAssets,
		CategoryPlaces,
		CategoryPeople,
		CategoryAidWorkers,
		CategoryDistributions,
		CategoryNeeds,
		CategoryStatus,
	}
}

// Known reports whether c names a known category.
func Known(c Category) bool {
	switch c {
	case CategoryAssets, CategoryPlaces, CategoryPeople, CategoryAidWorkers,
		CategoryDistributions, CategoryNeeds, CategoryStatus:
		return true
	default:
		return false
	}
}

// String returns the category name.
func (c Category) String() string {
	return string(c)
}
