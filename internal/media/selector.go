package media

import "sort"

// Select picks the concrete streams to download for the given preference and
// output format. It is a pure function: identical inputs always yield an
// identical choice. The second return value is false when the catalog holds
// no usable combination.
//
// For combined containers the rule is: take the best progressive stream
// matching the preference band (falling back to the tallest progressive), and
// the best video-only stream under the same rule. If the video-only candidate
// is taller than the progressive one, pair it with the highest-bitrate audio
// stream and require muxing; otherwise the progressive stream wins on its own.
func Select(info *VideoInfo, pref QualityPreference, format OutputFormat) (SelectedStreams, bool) {
	if format.IsAudioOnly() {
		audio := bestAudio(info.AudioStreams)
		if audio == nil {
			return SelectedStreams{}, false
		}

		return SelectedStreams{Audio: audio}, true
	}

	progressive := make([]StreamInfo, 0, len(info.Streams))
	videoOnly := make([]StreamInfo, 0, len(info.Streams))

	for _, s := range info.Streams {
		if s.HasAudio {
			progressive = append(progressive, s)
		} else {
			videoOnly = append(videoOnly, s)
		}
	}

	progressiveMatch := pickByPreference(progressive, pref, false)
	videoOnlyMatch := pickByPreference(videoOnly, pref, true)

	if videoOnlyMatch != nil {
		progressiveHeight := 0
		if progressiveMatch != nil {
			progressiveHeight = progressiveMatch.Height
		}

		if videoOnlyMatch.Height > progressiveHeight {
			audio := bestAudio(info.AudioStreams)
			if audio == nil {
				return SelectedStreams{}, false
			}

			return SelectedStreams{Video: videoOnlyMatch, Audio: audio, RequiresMuxing: true}, true
		}
	}

	if progressiveMatch == nil {
		progressiveMatch = tallest(progressive)
	}

	if progressiveMatch != nil {
		return SelectedStreams{Video: progressiveMatch}, true
	}

	if videoOnlyMatch != nil {
		audio := bestAudio(info.AudioStreams)
		if audio != nil {
			return SelectedStreams{Video: videoOnlyMatch, Audio: audio, RequiresMuxing: true}, true
		}
	}

	return SelectedStreams{}, false
}

// pickByPreference returns the tallest stream matching the preference band.
// When withFallback is set and nothing matches, the tallest stream overall is
// returned instead.
func pickByPreference(streams []StreamInfo, pref QualityPreference, withFallback bool) *StreamInfo {
	sorted := make([]StreamInfo, len(streams))
	copy(sorted, streams)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Height > sorted[j].Height })

	for i := range sorted {
		if matchesPreference(sorted[i].Height, pref) {
			return &sorted[i]
		}
	}

	if withFallback {
		return tallest(sorted)
	}

	return nil
}

func matchesPreference(height int, pref QualityPreference) bool {
	switch pref {
	case QualityBest:
		return true
	case QualityHD1080:
		return height >= 1080
	case QualityHD720:
		return height >= 720 && height <= 1079
	case QualitySD480:
		return height >= 480 && height <= 719
	case QualitySD360:
		return height >= 360 && height <= 479
	}

	return false
}

func tallest(streams []StreamInfo) *StreamInfo {
	var best *StreamInfo

	for i := range streams {
		if best == nil || streams[i].Height > best.Height {
			best = &streams[i]
		}
	}

	return best
}

func bestAudio(streams []AudioStreamInfo) *AudioStreamInfo {
	var best *AudioStreamInfo

	for i := range streams {
		if best == nil || streams[i].Bitrate > best.Bitrate {
			best = &streams[i]
		}
	}

	return best
}
