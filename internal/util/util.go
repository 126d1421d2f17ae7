package util

import (
	"math"
	"net"
	"strconv"
)

func NetJoin(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// FloatPtr returns a pointer to a copy of v.
func FloatPtr(v float64) *float64 {
	return &v
}

// CopyFloatPtr copies the pointed-to value so callers never share storage.
func CopyFloatPtr(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func ClampFloat(val, min, max float64) float64 {
	return math.Max(min, math.Min(max, val))
}
