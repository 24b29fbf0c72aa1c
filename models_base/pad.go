package models_base

// Pad4 rounds n up to the next multiple of 4.
func Pad4(n int) int {
	return n + ((4 - n&3) & 3)
}
