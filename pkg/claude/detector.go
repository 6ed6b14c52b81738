package claude

import "strings"

// Inline routing markers a bot can emit mid-reply. Bodies may contain
// nested balanced brackets; the detector matches on bracket depth, not
// on the first ']'.
const (
	hubMarker  = "[HUB-POST:"
	taskMarker = "[BOT-TASK:"
)

// TokenKind says which marker produced a Token.
type TokenKind string

const (
	TokenHubPost TokenKind = "hub_post"
	TokenBotTask TokenKind = "bot_task"
)

// Token is one complete extracted marker body, whitespace-trimmed.
type Token struct {
	Kind TokenKind
	Body string
}

// Detector is a stateful scanner over streamed text. Markers may arrive
// split across arbitrarily small chunks; the detector holds back any
// tail that could still become a marker (down to a single "[") and
// releases it as display text once it provably is not one.
//
// Not safe for concurrent use; each delivery owns its own Detector.
type Detector struct {
	pending string
}

func NewDetector() *Detector {
	return &Detector{}
}

// Feed consumes the next chunk and returns the display text that is now
// safe to show (markers stripped) plus any complete tokens.
func (d *Detector) Feed(text string) (string, []Token) {
	d.pending += text

	var out strings.Builder
	var tokens []Token

	for {
		idx, marker := earliestMarker(d.pending)
		if idx < 0 {
			break
		}
		out.WriteString(d.pending[:idx])
		rest := d.pending[idx:]

		body, end, ok := matchBracketed(rest, len(marker))
		if !ok {
			// Marker started but its body has not terminated yet.
			// Hold everything from the marker start.
			d.pending = rest
			return out.String(), tokens
		}

		kind := TokenHubPost
		if marker == taskMarker {
			kind = TokenBotTask
		}
		tokens = append(tokens, Token{Kind: kind, Body: strings.TrimSpace(body)})
		d.pending = rest[end:]
	}

	// No full marker prefix present. Hold back the longest suffix that
	// could still grow into one.
	hold := partialSuffixLen(d.pending)
	out.WriteString(d.pending[:len(d.pending)-hold])
	d.pending = d.pending[len(d.pending)-hold:]
	return out.String(), tokens
}

// Flush ends the stream: any held text that is provably not a complete
// marker is returned as display text. An unterminated marker body is
// discarded entirely — it never reaches the transcript, the hub, or a
// peer.
func (d *Detector) Flush() string {
	rem := d.pending
	d.pending = ""
	if idx, _ := earliestMarker(rem); idx >= 0 {
		return rem[:idx]
	}
	return rem
}

// earliestMarker finds the first occurrence of either marker prefix.
func earliestMarker(s string) (int, string) {
	hi := strings.Index(s, hubMarker)
	ti := strings.Index(s, taskMarker)
	switch {
	case hi < 0 && ti < 0:
		return -1, ""
	case ti < 0 || (hi >= 0 && hi < ti):
		return hi, hubMarker
	default:
		return ti, taskMarker
	}
}

// matchBracketed scans s from offset start (just past the marker prefix,
// so bracket depth is already 1) for the matching close bracket. Returns
// the body, the index one past the close bracket, and whether it closed.
func matchBracketed(s string, start int) (string, int, bool) {
	depth := 1
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return s[start:i], i + 1, true
			}
		}
	}
	return "", 0, false
}

// partialSuffixLen returns the length of the longest suffix of s that is
// a proper prefix of either marker.
func partialSuffixLen(s string) int {
	max := len(hubMarker) - 1
	if len(s) < max {
		max = len(s)
	}
	for l := max; l >= 1; l-- {
		suf := s[len(s)-l:]
		if strings.HasPrefix(hubMarker, suf) || strings.HasPrefix(taskMarker, suf) {
			return l
		}
	}
	return 0
}
