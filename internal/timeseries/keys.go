package timeseries

import (
	"fmt"
	"strings"
)

// SeriesKey builds the key of the series holding metric samples of an element
func SeriesKey(elementID, metric string) string {
	return elementID + "/" + metric
}

// ParseSeriesKey splits a key produced by SeriesKey
func ParseSeriesKey(key string) (elementID, metric string, err error) {
	i := strings.LastIndex(key, "/")
	if i <= 0 || i == len(key)-1 {
		return "", "", fmt.Errorf("invalid series key %q", key)
	}
	return key[:i], key[i+1:], nil
}
