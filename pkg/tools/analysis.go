package tools

import (
	"strings"
)

type indicatorGroup struct {
	label    string
	keywords []string
}

var environmentalIndicators = []indicatorGroup{
	{"Disorganized Space", []string{"messy", "cluttered", "untidy", "chaotic"}},
	{"Isolated Setting", []string{"alone", "empty room", "no people", "quiet"}},
	{"Stress Indicators", []string{"dark", "dim lighting", "poor hygiene", "unkempt"}},
	{"Positive Indicators", []string{"natural light", "plants", "organized", "clean"}},
}

var appearanceIndicators = []string{
	"tired eyes", "slouched posture", "tears", "distressed facial expression",
	"pale complexion", "disheveled appearance", "restless movements",
}

// AnalyzeVisual scans a scene description for environment and appearance
// indicators.
func AnalyzeVisual(description string) string {
	lower := strings.ToLower(description)

	var findings []string
	for _, group := range environmentalIndicators {
		for _, kw := range group.keywords {
			if strings.Contains(lower, kw) {
				findings = append(findings, group.label)
			}
		}
	}
	for _, ind := range appearanceIndicators {
		if strings.Contains(lower, ind) {
			findings = append(findings, "Physical sign: "+ind)
		}
	}

	if len(findings) == 0 {
		return "Visual context appears normal. No concerning indicators detected."
	}
	return "Visual analysis detected: " + strings.Join(findings, ", ") + ". This may suggest the user needs additional support."
}

const fallbackMusicMood = "calm"

var musicRecommendations = map[string][]string{
	"happy": {
		"Upbeat pop music to maintain positive energy",
		"Classical music for cognitive enhancement",
		"Jazz for creative stimulation",
	},
	"sad": {
		"Gentle classical music for emotional processing",
		"Nature sounds for comfort",
		"Soft instrumental music for reflection",
	},
	"anxious": {
		"Ambient music for relaxation",
		"Binaural beats for stress reduction",
		"Nature sounds (rain, ocean waves) for calm",
	},
	"calm": {
		"Meditation music for deeper relaxation",
		"Acoustic guitar for peaceful atmosphere",
		"Piano compositions for introspection",
	},
	"energetic": {
		"Motivational rock for energy boost",
		"Upbeat electronic music for focus",
		"Folk music for positive vibes",
	},
	"sleepy": {
		"Slow tempo classical music for sleep",
		"White noise for better sleep quality",
		"Guided meditation music for rest",
	},
}

// RecommendFor returns the normalized mood and one recommendation for it.
// Unknown moods fall back to calm.
func RecommendFor(mood string, rng Rand) (string, string) {
	key := strings.ToLower(strings.TrimSpace(mood))
	options, ok := musicRecommendations[key]
	if !ok {
		key = fallbackMusicMood
		options = musicRecommendations[key]
	}
	return key, options[rng.Intn(len(options))]
}
