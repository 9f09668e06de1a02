package risk

// Patterns is the phrase data the scorer matches against. Matching is done on
// lower-cased text; word lists match on word boundaries.
type Patterns struct {
	// CrisisPatterns are regular expressions; each distinct match adds 3.
	CrisisPatterns []string
	// CrisisMarkers are literal phrases; each adds 3 and floors the level at CRITICAL.
	CrisisMarkers []string
	// HighNegativeIndicators are literal phrases; each adds 2.
	HighNegativeIndicators []string
	// EscalationPatterns are regular expressions evaluated on the original casing,
	// counted only while negative words outnumber positive ones.
	EscalationPatterns []string
	PhysicalIndicators   []string
	RelationalIndicators []string
	NegativeWords        []string
	PositiveWords        []string
	// MoodWords trigger the wellness check-in when seen in recent messages.
	MoodWords []string
}

func DefaultPatterns() Patterns {
	return Patterns{
		CrisisPatterns: []string{
			`\bkill(ing)? myself\b`,
			`\bend (it all|my life)\b`,
			`\b(want|wanted|going) to die\b`,
			`\bsuicid(e|al)\b`,
			`\bhurt(ing)? myself\b`,
			`\bself[- ]?harm`,
			`\bcan'?t (take|do) (this|it) anymore\b`,
			`\bcan'?t go on\b`,
			`\bno (way out|point in living|reason to live)\b`,
			`\bbetter off (dead|without me)\b`,
		},
		CrisisMarkers: []string{
			"end it all",
			"kill myself",
			"want to die",
			"take my own life",
			"end my life",
			"no reason to live",
			"better off dead",
			"suicide note",
			"goodbye forever",
		},
		HighNegativeIndicators: []string{
			"hopeless",
			"worthless",
			"trapped",
			"unbearable",
			"i'm a burden",
			"empty inside",
			"can't cope",
			"nothing matters",
			"giving up",
		},
		EscalationPatterns: []string{
			`!{2,}`,
			`(\?!|!\?)`,
			`\b[A-Z]{4,}\b`,
		},
		PhysicalIndicators: []string{
			"can't sleep",
			"can't breathe",
			"chest pain",
			"panic attack",
			"not eating",
			"haven't eaten",
			"shaking",
			"headache",
			"exhausted",
		},
		RelationalIndicators: []string{
			"alone",
			"lonely",
			"nobody cares",
			"no one cares",
			"no one understands",
			"isolated",
			"no friends",
			"abandoned",
			"left me",
		},
		NegativeWords: []string{
			"sad", "depressed", "anxious", "angry", "lonely", "tired", "miserable",
			"terrible", "awful", "hate", "hopeless", "worthless", "scared", "afraid",
			"overwhelmed", "cry", "crying", "hurt", "pain", "stressed", "empty", "broken",
		},
		PositiveWords: []string{
			"happy", "good", "great", "wonderful", "love", "grateful", "calm",
			"hopeful", "excited", "better", "fine", "joy", "relaxed", "proud",
		},
		MoodWords: []string{
			"depressed", "sad", "anxious", "stressed", "tired", "exhausted",
			"lonely", "hopeless", "overwhelmed", "miserable", "unhappy",
		},
	}
}
