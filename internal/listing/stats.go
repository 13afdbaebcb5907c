package listing

// Stats summarizes a user's listings.
type Stats struct {
	Total        int          `json:"totalListings"`
	Draft        int          `json:"draftListings"`
	Posted       int          `json:"postedListings"`
	Sold         int          `json:"soldListings"`
	Archived     int          `json:"archivedListings"`
	TotalValue   float64      `json:"totalValue"`
	AveragePrice float64      `json:"averagePrice"`
	SoldValue    float64      `json:"soldValue"`
	ByType       map[Type]int `json:"byType"`
}

// ComputeStats counts listings per status and type and sums their prices.
func ComputeStats(listings []*Listing) Stats {
	s := Stats{ByType: map[Type]int{TypeFacebook: 0, TypeGeneral: 0}}
	for _, l := range listings {
		s.Total++
		s.TotalValue += l.Price
		s.ByType[l.Type()]++
		switch l.Status {
		case StatusDraft:
			s.Draft++
		case StatusPosted:
			s.Posted++
		case StatusSold:
			s.Sold++
			s.SoldValue += l.Price
		case StatusArchived:
			s.Archived++
		}
	}
	if s.Total > 0 {
		s.AveragePrice = s.TotalValue / float64(s.Total)
	}
	return s
}
