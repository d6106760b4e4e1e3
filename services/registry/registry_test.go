package registry

import (
	"testing"

	"smallbiznis-licensing/pkg/errutil"

	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewDefault("hr-core")
	require.NoError(t, err)
	return r
}

func TestGetModuleDependencies(t *testing.T) {
	r := newTestRegistry(t)

	deps, err := r.GetModuleDependencies("payroll")
	require.NoError(t, err)
	require.Equal(t, []string{"hr-core", "attendance"}, deps.Dependencies)
	require.Equal(t, []string{"vacations"}, deps.OptionalDependencies)

	_, err = r.GetModuleDependencies("unknown")
	require.True(t, errutil.IsCode(err, errutil.CodeModuleNotFound))
}

func TestGetLoadOrderRespectsDependencies(t *testing.T) {
	r := New().MustRegister(
		Entry{Key: "a"},
		Entry{Key: "b", Dependencies: []string{"a"}},
	)

	order, err := r.GetLoadOrder([]string{"b", "a"})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, order)
}

func TestGetLoadOrderBreaksTiesByRegistration(t *testing.T) {
	r := newTestRegistry(t)

	order, err := r.GetLoadOrder([]string{"reports", "payroll", "documents", "attendance", "hr-core"})
	require.NoError(t, err)
	require.Equal(t, []string{"hr-core", "attendance", "payroll", "documents", "reports"}, order)
}

func TestGetLoadOrderIgnoresDependenciesOutsideRequest(t *testing.T) {
	r := newTestRegistry(t)

	order, err := r.GetLoadOrder([]string{"payroll", "missions"})
	require.NoError(t, err)
	require.Equal(t, []string{"missions", "payroll"}, order)
}

func TestGetLoadOrderUnknownModule(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.GetLoadOrder([]string{"payroll", "nope"})
	require.True(t, errutil.IsCode(err, errutil.CodeModuleNotFound))
}

func TestGetLoadOrderDetectsCycle(t *testing.T) {
	r := New().MustRegister(
		Entry{Key: "x", Dependencies: []string{"y"}},
		Entry{Key: "y", Dependencies: []string{"x"}},
		Entry{Key: "z"},
	)

	_, err := r.GetLoadOrder([]string{"x", "y", "z"})
	require.True(t, errutil.IsCode(err, errutil.CodeCyclicDependency))
	require.Error(t, r.Validate())
}

func TestRegisterNormalizesAndRejectsDuplicates(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(Entry{Key: "Time Tracking"}))
	require.True(t, r.Has("time-tracking"))
	require.Error(t, r.Register(Entry{Key: "time-tracking"}))
	require.Error(t, r.Register(Entry{Key: "loop", Dependencies: []string{"loop"}}))
}

func TestDependents(t *testing.T) {
	r := newTestRegistry(t)
	enabled := map[string]struct{}{
		"hr-core":    {},
		"attendance": {},
		"payroll":    {},
		"reports":    {},
	}

	require.Equal(t, []string{"payroll"}, r.Dependents("attendance", enabled))
	require.Equal(t, []string{"attendance", "payroll", "reports"}, r.Dependents("hr-core", enabled))
	require.Empty(t, r.Dependents("payroll", enabled))
}

func TestCoreModule(t *testing.T) {
	r := newTestRegistry(t)
	require.Equal(t, "hr-core", r.CoreModule())
	require.True(t, r.IsCore("HR Core"))
	require.False(t, r.IsCore("payroll"))
}
