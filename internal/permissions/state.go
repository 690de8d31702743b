package permissions

// State is the resolved permission data for one identity.
type State struct {
	Client  bool     `json:"client"`
	Profile *Profile `json:"profile,omitempty"`
	Grants  []Grant  `json:"grants"`
	Loading bool     `json:"loading"`
}

// Empty returns the fail-closed state: no profile, no grants, not loading.
func Empty() State {
	return State{Grants: []Grant{}}
}

// ClientState returns the settled state of a client identity.
func ClientState() State {
	return State{Client: true, Grants: []Grant{}}
}

// CanRead reports whether the state allows reading module m.
func (s State) CanRead(m Module) bool {
	return s.check(m, func(g Grant) bool { return g.Read })
}

// CanEdit reports whether the state allows editing module m.
func (s State) CanEdit(m Module) bool {
	return s.check(m, func(g Grant) bool { return g.Edit })
}

// IsAdmin reports whether the loaded profile carries the admin flag.
func (s State) IsAdmin() bool {
	return s.Profile != nil && s.Profile.IsAdmin
}

func (s State) check(m Module, allowed func(Grant) bool) bool {
	if s.Client || s.Profile == nil {
		return false
	}
	if s.Profile.IsAdmin {
		return true
	}
	for _, g := range s.Grants {
		if g.Module == m {
			return allowed(g)
		}
	}
	return false
}

// Capability is the per-module summary exposed to clients.
type Capability struct {
	Module Module `json:"module"`
	Label  string `json:"label"`
	Read   bool   `json:"read"`
	Edit   bool   `json:"edit"`
}

// Capabilities evaluates the state against the whole catalog.
func (s State) Capabilities() []Capability {
	out := make([]Capability, 0, len(catalog))
	for _, e := range catalog {
		out = append(out, Capability{
			Module: e.Module,
			Label:  e.Label,
			Read:   s.CanRead(e.Module),
			Edit:   s.CanEdit(e.Module),
		})
	}
	return out
}

func (s State) clone() State {
	c := s
	if s.Profile != nil {
		p := *s.Profile
		c.Profile = &p
	}
	c.Grants = make([]Grant, len(s.Grants))
	copy(c.Grants, s.Grants)
	return c
}
