package manifest

// AllowList gates dispatch when enabled; a disabled allow-list permits every
// operation id. Read-only at request time.
type AllowList struct {
	Enabled bool     `toml:"enabled"`
	Tasks   []string `toml:"tasks"`
	Events  []string `toml:"events"`
}

func (a AllowList) PermitsTask(id string) bool {
	if !a.Enabled {
		return true
	}
	return contains(a.Tasks, id)
}

func (a AllowList) PermitsEvent(id string) bool {
	if !a.Enabled {
		return true
	}
	return contains(a.Events, id)
}

func contains(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
