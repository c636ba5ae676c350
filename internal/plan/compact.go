package plan

// Compact is the legacy transport form of a plan: four parallel lists.
// Conversion to and from the canonical struct form is lossless; Items
// carries the full step records so nothing is dropped on round-trip.
type Compact struct {
	Titles    []string   `json:"titles"`
	Allows    [][]string `json:"allows"`
	Artifacts []string   `json:"artifacts,omitempty"`
	Items     []Step     `json:"items"`
}

func (p *Plan) ToCompact() Compact {
	c := Compact{
		Titles:    make([]string, 0, len(p.Steps)),
		Allows:    make([][]string, 0, len(p.Steps)),
		Artifacts: append([]string(nil), p.Artifacts...),
		Items:     make([]Step, 0, len(p.Steps)),
	}
	for _, s := range p.Steps {
		c.Titles = append(c.Titles, s.Title)
		c.Allows = append(c.Allows, append([]string(nil), s.Allow...))
		c.Items = append(c.Items, *s)
	}
	return c
}

func FromCompact(c Compact) *Plan {
	p := &Plan{Artifacts: append([]string(nil), c.Artifacts...)}
	for i := range c.Items {
		s := c.Items[i]
		p.Steps = append(p.Steps, &s)
	}
	return p
}
