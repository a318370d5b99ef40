//go:build !linux

package peripheral

import "context"

// CheckAccess has nothing to verify up front; the platform prompts the user
// when the adapter is first enabled.
func CheckAccess(ctx context.Context) error {
	return ctx.Err()
}
