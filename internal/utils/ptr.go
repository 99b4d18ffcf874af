package utils

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

// PtrOrNil returns nil for the zero value of T and a pointer to v otherwise.
func PtrOrNil[T comparable](v T) *T {
	var zero T
	if v == zero {
		return nil
	}
	return &v
}
