package device

import "time"

// UpdateSignature merges a freshly observed signature into the device. When
// identifying fields drift it snapshots the previous values, raises the
// anomaly score by 10 per changed field, and flags the device for
// high-priority deep analysis. Returns the list of changed fields.
func (d *Device) UpdateSignature(sig SignatureProfile, now time.Time) []string {
	if sig.UserAgent != "" && sig.UserAgentHash == "" {
		sig.UserAgentHash = HashUserAgent(sig.UserAgent)
	}

	var changes []string
	old := d.Signature
	if old.UserAgent != "" && sig.UserAgent != "" && old.UserAgent != sig.UserAgent {
		changes = append(changes, "user_agent")
	}
	if old.ScreenResolution != "" && sig.ScreenResolution != "" && old.ScreenResolution != sig.ScreenResolution {
		changes = append(changes, "screen_resolution")
	}
	if old.Timezone != "" && sig.Timezone != "" && old.Timezone != sig.Timezone {
		changes = append(changes, "timezone")
	}
	if old.Platform != "" && sig.Platform != "" && old.Platform != sig.Platform {
		changes = append(changes, "platform")
	}
	if old.Canvas != "" && sig.Canvas != "" && old.Canvas != sig.Canvas {
		changes = append(changes, "canvas")
	}
	if old.WebGL != "" && sig.WebGL != "" && old.WebGL != sig.WebGL {
		changes = append(changes, "webgl")
	}
	if old.Audio != "" && sig.Audio != "" && old.Audio != sig.Audio {
		changes = append(changes, "audio")
	}

	if len(changes) > 0 {
		d.PreviousSignature = &SignatureSnapshot{
			UserAgent:        old.UserAgent,
			ScreenResolution: old.ScreenResolution,
			Timezone:         old.Timezone,
			Platform:         old.Platform,
			CapturedAt:       now,
		}
		d.BumpAnomaly(10 * len(changes))
		d.Anomaly.NeedsDetailedAnalysis = true
		d.Anomaly.AnalysisPriority = PriorityHigh
	}

	mergeSignature(&d.Signature, sig)
	return changes
}

// mergeSignature overlays non-zero fields of src onto dst, so sparse
// client payloads never erase known values.
func mergeSignature(dst *SignatureProfile, src SignatureProfile) {
	if src.Canvas != "" {
		dst.Canvas = src.Canvas
	}
	if src.WebGL != "" {
		dst.WebGL = src.WebGL
	}
	if src.Audio != "" {
		dst.Audio = src.Audio
	}
	if src.ScreenResolution != "" {
		dst.ScreenResolution = src.ScreenResolution
	}
	if src.Timezone != "" {
		dst.Timezone = src.Timezone
	}
	if len(src.Languages) > 0 {
		dst.Languages = src.Languages
	}
	if src.Platform != "" {
		dst.Platform = src.Platform
	}
	if src.UserAgent != "" {
		dst.UserAgent = src.UserAgent
		dst.UserAgentHash = src.UserAgentHash
	}
	if len(src.Fonts) > 0 {
		dst.Fonts = src.Fonts
	}
	if len(src.Plugins) > 0 {
		dst.Plugins = src.Plugins
	}
	if src.HardwareConcurrency > 0 {
		dst.HardwareConcurrency = src.HardwareConcurrency
	}
	if src.DeviceMemoryGB > 0 {
		dst.DeviceMemoryGB = src.DeviceMemoryGB
	}
	if src.ColorDepth > 0 {
		dst.ColorDepth = src.ColorDepth
	}
	if src.PixelRatio > 0 {
		dst.PixelRatio = src.PixelRatio
	}
}
