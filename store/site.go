package store

import "github.com/gravitational/trace"

// Site identifies one bookable destination on the park portal. ID and
// Sector are the upstream identifiers the capacity and booking
// endpoints expect. Slug is the path segment shared by the booking
// page and the rules page.
type Site struct {
	Name   string
	Label  string
	ID     int
	Sector int
	Slug   string
}

var (
	// Bromo is the single-day visit through the Lembah Watangan gate.
	Bromo = Site{Name: "bromo", Label: "Bromo", ID: 4, Sector: 1, Slug: "lembah-watangan"}

	// Semeru is the multi-day climb with a member manifest.
	Semeru = Site{Name: "semeru", Label: "Semeru", ID: 8, Sector: 3, Slug: "semeru"}
)

// Sites lists every known destination.
func Sites() []Site { return []Site{Bromo, Semeru} }

// SiteByName resolves a stored site name to its descriptor.
func SiteByName(name string) (Site, error) {
	for _, s := range Sites() {
		if s.Name == name {
			return s, nil
		}
	}
	return Site{}, trace.NotFound("store: unknown site %q", name)
}

// PagePath returns the booking page path for the site.
func (s Site) PagePath() string { return "/booking/site/" + s.Slug }

// RulesPath returns the rules page path, used as the document referer
// when opening the booking page.
func (s Site) RulesPath() string { return "/peraturan/" + s.Slug }
