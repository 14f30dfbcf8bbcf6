package cube

// Meta is the subset of the engine's /meta response this gateway reads.
type Meta struct {
	Cubes []Cube `json:"cubes"`
}

type Cube struct {
	Name        string   `json:"name"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Dimensions  []Member `json:"dimensions"`
	Measures    []Member `json:"measures"`
}

type Member struct {
	Name        string `json:"name"`
	Title       string `json:"title"`
	ShortTitle  string `json:"shortTitle"`
	Description string `json:"description"`
}

// DisplayTitle prefers the short title when the engine provides one.
func (m Member) DisplayTitle() string {
	if m.ShortTitle != "" {
		return m.ShortTitle
	}
	return m.Title
}

type LoadResult struct {
	Data []any `json:"data"`
}
