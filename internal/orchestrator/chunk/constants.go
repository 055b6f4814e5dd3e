package chunk

// Planner defaults.
const (
	DefaultMaxLenSec       = 600.0
	DefaultOverlapSec      = 10.0
	DefaultSearchWindowSec = 30.0
	DefaultGapWeight       = 2.0
	DefaultMinGapSec       = 0.3

	// minAdvanceFrac bounds how early a cut may land, as a fraction of max length past the cursor.
	minAdvanceFrac = 0.5
)
