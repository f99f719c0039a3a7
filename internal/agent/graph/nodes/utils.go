package nodes

const DefaultMaxIterations = 5

// NormalizeMaxIterations returns a sane default when the provided value is invalid.
func NormalizeMaxIterations(n int) int {
	if n <= 0 {
		return DefaultMaxIterations
	}
	return n
}
