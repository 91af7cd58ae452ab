package gdwhisper

// Map returns fn applied to every element of s, in order.
func Map[E, F any](s []E, fn func(E) F) []F {
	mapped := make([]F, 0, len(s))
	for _, e := range s {
		mapped = append(mapped, fn(e))
	}
	return mapped
}
