// Package quality classifies network-quality metrics into map colors.
package quality

// Hex colors for the weighted score policy.
const (
	ColorRed   = "#B22D2D"
	ColorAmber = "#E4A316"
	ColorGreen = "#67B22D"
)

// Named colors for the download-only fallback policy. These predate the
// weighted score and are still what the mobile client expects for samples
// without upload/ping history.
const (
	FallbackGray  = "gray"
	FallbackRed   = "red"
	FallbackGreen = "green"
)

// Score computes the weighted-normalized quality score from average download
// (Mbps), upload (Mbps) and ping (ms). Normalized inputs are intentionally
// not clamped: extreme metrics push the score outside [0,100] and classify at
// the nearest unbounded end.
func Score(download, upload, ping float64) float64 {
	normDL := (download - 1) / (200 - 1) * 100
	normUL := (upload - 1) / (100 - 1) * 100
	normPing := (1 - (ping-8)/(600-8)) * 100
	return (5*normDL + 3*normUL + 2*normPing) / 10
}

// WeightedColor maps a score onto the red/amber/green hex palette.
func WeightedColor(score float64) string {
	switch {
	case score <= 30:
		return ColorRed
	case score <= 70:
		return ColorAmber
	default:
		return ColorGreen
	}
}

// FallbackColor is the legacy download-only policy: gray without data, red
// below 10 Mbps, green otherwise.
func FallbackColor(download *float64) string {
	if download == nil {
		return FallbackGray
	}
	if *download < 10 {
		return FallbackRed
	}
	return FallbackGreen
}

// ForAggregate picks the policy for an aggregate's averages: the weighted
// score when download, upload and ping are all known, the download-only
// fallback otherwise.
func ForAggregate(download, upload *float64, ping *float64) string {
	if download != nil && upload != nil && ping != nil {
		return WeightedColor(Score(*download, *upload, *ping))
	}
	return FallbackColor(download)
}
