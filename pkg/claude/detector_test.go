package claude

import (
	"strings"
	"testing"
)

func feedAll(d *Detector, chunks []string) (string, []Token) {
	var clean strings.Builder
	var tokens []Token
	for _, c := range chunks {
		out, toks := d.Feed(c)
		clean.WriteString(out)
		tokens = append(tokens, toks...)
	}
	clean.WriteString(d.Flush())
	return clean.String(), tokens
}

func TestDetectorBasicExtraction(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantClean  string
		wantTokens []Token
	}{
		{
			name:       "hub post stripped from display text",
			input:      "done. [HUB-POST: build finished] moving on",
			wantClean:  "done.  moving on",
			wantTokens: []Token{{Kind: TokenHubPost, Body: "build finished"}},
		},
		{
			name:       "bot task",
			input:      "[BOT-TASK: @reviewer check pr 42]",
			wantClean:  "",
			wantTokens: []Token{{Kind: TokenBotTask, Body: "@reviewer check pr 42"}},
		},
		{
			name:      "nested brackets close at matching depth",
			input:     "before [HUB-POST: inner [x] y] after",
			wantClean: "before  after",
			wantTokens: []Token{
				{Kind: TokenHubPost, Body: "inner [x] y"},
			},
		},
		{
			name:      "multiple markers in one chunk",
			input:     "[HUB-POST: a][BOT-TASK: @b c] tail",
			wantClean: " tail",
			wantTokens: []Token{
				{Kind: TokenHubPost, Body: "a"},
				{Kind: TokenBotTask, Body: "@b c"},
			},
		},
		{
			name:       "plain brackets are not markers",
			input:      "array[0] and [note: keep]",
			wantClean:  "array[0] and [note: keep]",
			wantTokens: nil,
		},
		{
			name:       "body whitespace trimmed",
			input:      "[HUB-POST:    spaced out   ]",
			wantClean:  "",
			wantTokens: []Token{{Kind: TokenHubPost, Body: "spaced out"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clean, tokens := feedAll(NewDetector(), []string{tt.input})
			if clean != tt.wantClean {
				t.Errorf("clean = %q, want %q", clean, tt.wantClean)
			}
			if len(tokens) != len(tt.wantTokens) {
				t.Fatalf("got %d tokens, want %d: %v", len(tokens), len(tt.wantTokens), tokens)
			}
			for i, tok := range tokens {
				if tok != tt.wantTokens[i] {
					t.Errorf("token[%d] = %+v, want %+v", i, tok, tt.wantTokens[i])
				}
			}
		})
	}
}

func TestDetectorChunkSplitInvariance(t *testing.T) {
	// Any chunking of the same stream must produce the same clean text
	// and tokens — including one byte at a time.
	input := "ok [HUB-POST: status [phase 2] done] then [BOT-TASK: @worker go] end"
	wantClean := "ok  then  end"
	wantTokens := []Token{
		{Kind: TokenHubPost, Body: "status [phase 2] done"},
		{Kind: TokenBotTask, Body: "@worker go"},
	}

	splits := [][]string{
		{input},
		{input[:5], input[5:20], input[20:]},
		{input[:14], input[14:15], input[15:]}, // split inside a marker prefix
	}
	var byByte []string
	for i := 0; i < len(input); i++ {
		byByte = append(byByte, input[i:i+1])
	}
	splits = append(splits, byByte)

	for i, chunks := range splits {
		clean, tokens := feedAll(NewDetector(), chunks)
		if clean != wantClean {
			t.Errorf("split %d: clean = %q, want %q", i, clean, wantClean)
		}
		if len(tokens) != len(wantTokens) {
			t.Fatalf("split %d: got %d tokens, want %d", i, len(tokens), len(wantTokens))
		}
		for j, tok := range tokens {
			if tok != wantTokens[j] {
				t.Errorf("split %d: token[%d] = %+v, want %+v", i, j, tok, wantTokens[j])
			}
		}
	}
}

func TestDetectorHoldback(t *testing.T) {
	d := NewDetector()

	// A chunk ending in a partial prefix must hold the prefix back.
	clean, tokens := d.Feed("text [HUB-P")
	if clean != "text " {
		t.Errorf("clean = %q, want %q", clean, "text ")
	}
	if len(tokens) != 0 {
		t.Fatalf("unexpected tokens: %v", tokens)
	}

	// Completing the marker later releases the token, not the prefix.
	clean, tokens = d.Feed("OST: late]")
	if clean != "" {
		t.Errorf("clean = %q, want empty", clean)
	}
	if len(tokens) != 1 || tokens[0].Body != "late" {
		t.Fatalf("tokens = %v, want one hub post %q", tokens, "late")
	}
}

func TestDetectorHoldbackReleasedWhenNotMarker(t *testing.T) {
	d := NewDetector()
	clean, _ := d.Feed("see [")
	if clean != "see " {
		t.Errorf("clean = %q, want %q", clean, "see ")
	}
	clean, tokens := d.Feed("brackets] everywhere")
	if clean != "[brackets] everywhere" {
		t.Errorf("clean = %q, want %q", clean, "[brackets] everywhere")
	}
	if len(tokens) != 0 {
		t.Errorf("unexpected tokens: %v", tokens)
	}
}

func TestDetectorFlushDiscardsUnterminated(t *testing.T) {
	d := NewDetector()
	clean, tokens := d.Feed("prefix [HUB-POST: never closes")
	if clean != "prefix " {
		t.Errorf("clean = %q, want %q", clean, "prefix ")
	}
	if len(tokens) != 0 {
		t.Fatalf("unexpected tokens: %v", tokens)
	}
	if rest := d.Flush(); rest != "" {
		t.Errorf("Flush() = %q, want empty — unterminated body must be discarded", rest)
	}
}

func TestDetectorFlushReturnsPartialPrefixAsText(t *testing.T) {
	d := NewDetector()
	d.Feed("trailing [HUB")
	if rest := d.Flush(); rest != "[HUB" {
		t.Errorf("Flush() = %q, want %q", rest, "[HUB")
	}
}
