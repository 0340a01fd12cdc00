package health

import "context"

// ReadinessCheck is implemented by every dependency the service cannot serve without.
type ReadinessCheck interface {
	IsReady(ctx context.Context) error
	Name() string
}

// CheckAll runs every check and returns the names of the failing ones.
func CheckAll(ctx context.Context, checks []ReadinessCheck) map[string]error {
	failed := make(map[string]error)
	for _, c := range checks {
		if c == nil {
			continue
		}
		if err := c.IsReady(ctx); err != nil {
			failed[c.Name()] = err
		}
	}
	return failed
}
