// Package convert holds the pure unit conversions applied to raw sensor
// readings before display. Every function is total and never emits NaN or
// Inf: the numeric converters clamp a non-finite result to 0, so callers
// that must distinguish a genuine zero gate the input with Valid first and
// render missing values through Format's NotAvailable marker.
package convert

import (
	"math"
	"strconv"
)

// NotAvailable is the display marker for missing or non-finite values.
const NotAvailable = "N/A"

// DefaultMCAScale maps the 4-20 mA current loop to meters of water column
// for the pressure transducers installed at the plants.
const DefaultMCAScale = 15.93

// FahrenheitToCelsius converts °F to °C.
func FahrenheitToCelsius(f float64) float64 {
	return guard((f - 32) * 5 / 9)
}

// InHgToHPa converts inches of mercury to hectopascals.
func InHgToHPa(inHg float64) float64 {
	return guard(inHg * 33.8639)
}

// MphToKmh converts miles per hour to kilometers per hour.
func MphToKmh(mph float64) float64 {
	return guard(mph * 1.60934)
}

// InchesToMm converts inches to millimeters.
func InchesToMm(inches float64) float64 {
	return guard(inches * 25.4)
}

// MAToMCA converts a 4-20 mA current-loop reading to meters of water column
// using the deployment's scale factor. 4 mA is the loop zero.
func MAToMCA(ma, scale float64) float64 {
	return guard((ma - 4) * scale)
}

// Linear applies a per-install scale factor declared in the sensor config.
// A zero factor means "no scaling configured" and passes the value through.
func Linear(raw, factor float64) float64 {
	if factor == 0 {
		return guard(raw)
	}
	return guard(raw * factor)
}

// Valid reports whether v is a finite number and therefore safe to convert,
// serialize, and display.
func Valid(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Format renders a value with a fixed number of decimals, or NotAvailable
// when the input is not a finite number.
func Format(v float64, decimals int) string {
	if !Valid(v) {
		return NotAvailable
	}
	return strconv.FormatFloat(v, 'f', decimals, 64)
}

// guard keeps NaN and Inf out of converter output.
func guard(v float64) float64 {
	if !Valid(v) {
		return 0
	}
	return v
}
