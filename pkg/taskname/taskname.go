package taskname

const (
	// Usage tasks
	UsageReset = "usage:reset"
)
