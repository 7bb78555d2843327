package evidence

import "fmt"

// Aggregate reduces a sample into one status: nothing sampled is unknown,
// all good is pass, all bad is fail, anything else is warn.
func Aggregate(total, good, bad int) Status {
	if total <= 0 {
		return StatusUnknown
	}
	if good == total {
		return StatusPass
	}
	if bad == total {
		return StatusFail
	}
	return StatusWarn
}

// AggregateInverse is Aggregate for controls where the good condition is
// the absence of a flag, such as force pushes being allowed.
func AggregateInverse(total, bad int) Status {
	if total <= 0 {
		return StatusUnknown
	}
	if bad == 0 {
		return StatusPass
	}
	if bad == total {
		return StatusFail
	}
	return StatusWarn
}

// Tenant-level thresholds.
const (
	MinDirectoryRoles = 1
	MaxDirectoryRoles = 10
)

// SecurityDefaultsStatus passes when security defaults are enforced.
func SecurityDefaultsStatus(enabled bool) Status {
	if enabled {
		return StatusPass
	}
	return StatusWarn
}

// ConditionalAccessStatus passes when at least one policy exists.
func ConditionalAccessStatus(policies int) Status {
	if policies > 0 {
		return StatusPass
	}
	return StatusWarn
}

// AdminSurfaceStatus passes when the active directory role count is within
// MinDirectoryRoles..MaxDirectoryRoles.
func AdminSurfaceStatus(roles int) Status {
	if roles >= MinDirectoryRoles && roles <= MaxDirectoryRoles {
		return StatusPass
	}
	return StatusWarn
}

// VisibilityStatus warns when any sampled repository is public.
func VisibilityStatus(public int) Status {
	if public > 0 {
		return StatusWarn
	}
	return StatusPass
}

// RatioNote renders "<label>: <good>/<total> repositories in sample.".
func RatioNote(label string, good, total int) string {
	if total <= 0 {
		return fmt.Sprintf("%s: no repositories sampled.", label)
	}
	return fmt.Sprintf("%s: %d/%d repositories in sample.", label, good, total)
}
