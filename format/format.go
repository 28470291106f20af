// Package format renders sizes and counts for tables and progress output.
package format

import "fmt"

const (
	Byte     = 1
	KiloByte = Byte * 1000
	MegaByte = KiloByte * 1000
	GigaByte = MegaByte * 1000
	TeraByte = GigaByte * 1000
)

func HumanBytes(b int64) string {
	switch {
	case b >= TeraByte:
		return fmt.Sprintf("%s TB", decimalPlace(float64(b)/TeraByte))
	case b >= GigaByte:
		return fmt.Sprintf("%s GB", decimalPlace(float64(b)/GigaByte))
	case b >= MegaByte:
		return fmt.Sprintf("%s MB", decimalPlace(float64(b)/MegaByte))
	case b >= KiloByte:
		return fmt.Sprintf("%s KB", decimalPlace(float64(b)/KiloByte))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// HumanNumber abbreviates parameter and token counts, e.g. 6.74B.
func HumanNumber(b uint64) string {
	const (
		Thousand = 1000
		Million  = Thousand * 1000
		Billion  = Million * 1000
		Trillion = Billion * 1000
	)

	switch {
	case b >= Trillion:
		return decimalPlace(float64(b)/Trillion) + "T"
	case b >= Billion:
		return decimalPlace(float64(b)/Billion) + "B"
	case b >= Million:
		return decimalPlace(float64(b)/Million) + "M"
	case b >= Thousand:
		return decimalPlace(float64(b)/Thousand) + "K"
	default:
		return fmt.Sprintf("%d", b)
	}
}

// Shape renders tensor dimensions as [d0 d1 ...].
func Shape[T ~int | ~int64 | ~uint64](dims []T) string {
	return fmt.Sprint(dims)
}

func decimalPlace(number float64) string {
	switch {
	case number >= 100:
		return fmt.Sprintf("%.0f", number)
	case number >= 10:
		return fmt.Sprintf("%.1f", number)
	default:
		return fmt.Sprintf("%.2f", number)
	}
}
