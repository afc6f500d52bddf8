// Package quantity converts the resource quantity strings reported by the
// metrics API into plain numbers. Malformed input never fails the caller: the
// problem is logged and a zero value is returned.
package quantity

import (
	"strings"

	"go.uber.org/zap"
	"k8s.io/apimachinery/pkg/api/resource"
)

// decimalToBinary maps SI byte suffixes onto their binary counterparts.
// Memory sizes are always read as powers of 1024, so "128M" equals "128Mi".
var decimalToBinary = map[byte]string{
	'k': "Ki",
	'K': "Ki",
	'M': "Mi",
	'G': "Gi",
	'T': "Ti",
	'P': "Pi",
	'E': "Ei",
}

// ParseCPU converts a CPU quantity ("250m", "1", "1500u", "120000n") into cores
func ParseCPU(logger *zap.Logger, s string) float64 {
	q, err := resource.ParseQuantity(strings.TrimSpace(s))
	if err != nil {
		logger.Warn("Invalid CPU quantity", zap.String("quantity", s), zap.Error(err))
		return 0.0
	}

	// Convert nanocores to cores
	return float64(q.ScaledValue(resource.Nano)) / 1e9
}

// ParseMemory converts a memory quantity ("64Mi", "128M", "1 GB", "2048Ki") into bytes
func ParseMemory(logger *zap.Logger, s string) int64 {
	q, err := resource.ParseQuantity(normalizeBytes(s))
	if err != nil {
		logger.Warn("Invalid memory size", zap.String("quantity", s), zap.Error(err))
		return 0
	}
	return q.Value()
}

// normalizeBytes strips whitespace and a trailing byte unit and rewrites SI
// suffixes to binary ones so that resource.ParseQuantity can read the result.
func normalizeBytes(s string) string {
	t := strings.Join(strings.Fields(s), "")

	if len(t) > 1 && (t[len(t)-1] == 'B' || t[len(t)-1] == 'b') {
		prev := t[len(t)-2]
		if prev == 'i' || decimalToBinary[prev] != "" || (prev >= '0' && prev <= '9') {
			t = t[:len(t)-1]
		}
	}

	if len(t) > 1 {
		last := t[len(t)-1]
		prev := t[len(t)-2]
		if binary, ok := decimalToBinary[last]; ok && prev >= '0' && prev <= '9' {
			t = t[:len(t)-1] + binary
		}
	}

	return t
}
