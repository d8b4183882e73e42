package utils

func Must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}

	return v
}

func CeilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}
