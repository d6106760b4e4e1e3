package registry

// DefaultEntries is the module catalogue shipped with the platform.
func DefaultEntries(core string) []Entry {
	if core == "" {
		core = "hr-core"
	}
	return []Entry{
		{Key: core, Name: "HR Core", Core: true},
		{Key: "attendance", Name: "Attendance", Dependencies: []string{core}},
		{Key: "vacations", Name: "Vacations", Dependencies: []string{core}, OptionalDependencies: []string{"attendance"}},
		{Key: "missions", Name: "Missions", Dependencies: []string{core}},
		{Key: "payroll", Name: "Payroll", Dependencies: []string{core, "attendance"}, OptionalDependencies: []string{"vacations"}},
		{Key: "documents", Name: "Documents", Dependencies: []string{core}},
		{Key: "reports", Name: "Reports", Dependencies: []string{core}, OptionalDependencies: []string{"payroll", "attendance"}},
	}
}

func NewDefault(core string) (*Registry, error) {
	r := New()
	for _, e := range DefaultEntries(core) {
		if err := r.Register(e); err != nil {
			return nil, err
		}
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}
