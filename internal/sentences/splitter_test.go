package sentences

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/loqalabs/loqa-tts/internal/language"
	"github.com/loqalabs/loqa-tts/internal/textnorm"
)

func TestSplitTwoSentences(t *testing.T) {
	s := New(DefaultMinFragment)
	got := s.Split("This is a test. It has two sentences.", language.Latin, 12)
	require.Equal(t, []string{"This is a test.", "It has two sentences."}, got)
}

func TestSplitMergeRules(t *testing.T) {
	s := New(8)
	cases := []struct {
		name string
		in   string
		want []string
	}{
		{
			name: "leading short fragments merge forward",
			in:   "Hi. Ok. This is longer now.",
			want: []string{"Hi. Ok. This is longer now."},
		},
		{
			name: "short fragment joins previous",
			in:   "This is long enough. No. Another full sentence.",
			want: []string{"This is long enough. No.", "Another full sentence."},
		},
		{
			name: "sole short sentence kept",
			in:   "Hi.",
			want: []string{"Hi."},
		},
		{
			name: "short tail joins accumulated sentence",
			in:   "Yes. Right. Good.",
			want: []string{"Yes. Right. Good."},
		},
		{
			name: "decimal stays inside sentence",
			in:   "Take 2.5 ml twice a day. Rest well.",
			want: []string{"Take 2.5 ml twice a day.", "Rest well."},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, s.Split(tc.in, language.Latin, 12))
		})
	}
}

func TestSplitBengali(t *testing.T) {
	s := New(8)
	got := s.Split("আমি ভালো আছি। তুমি কেমন আছ? ভাল।", language.Bengali, 12)
	require.Equal(t, []string{"আমি ভালো আছি।", "তুমি কেমন আছ? ভাল।"}, got)
}

func TestSplitTruncates(t *testing.T) {
	var parts []string
	for i := 1; i <= 15; i++ {
		parts = append(parts, fmt.Sprintf("Sentence number %d is here.", i))
	}
	got := New(8).Split(strings.Join(parts, " "), language.Latin, 12)
	require.Len(t, got, 12)
	require.Equal(t, "Sentence number 12 is here.", got[11])
	require.True(t, language.Latin.HasTerminal(got[11]))
}

func TestApplyTone(t *testing.T) {
	in := []string{"This is a test.", "It has two sentences."}
	out := ApplyTone(in, language.Latin)
	require.Len(t, out, 3)
	require.Equal(t, language.Latin.Disclaimer, out[2])
	require.Len(t, in, 2, "input must not be modified")

	again := ApplyTone(out, language.Latin)
	require.Equal(t, out, again)

	shouted := []string{"THIS IS FOR INFORMATIONAL PURPOSES ONLY."}
	require.Equal(t, shouted, ApplyTone(shouted, language.Latin))

	bn := ApplyTone([]string{"আমি ভালো আছি।"}, language.Bengali)
	require.Equal(t, language.Bengali.Disclaimer, bn[len(bn)-1])
}

var splitTokens = []string{
	"Hi.", "Ok?", "No!", "yes", "the", "doctor", "said", "rest", "well.",
	"Drink water.", "3.5", "e.g.", "and", "call", "tomorrow.",
}

func TestSplitProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		words := rapid.SliceOfN(rapid.SampledFrom(splitTokens), 1, 60).Draw(t, "words")
		minFragment := rapid.IntRange(1, 20).Draw(t, "min")
		s := New(minFragment)
		text := textnorm.Normalize(strings.Join(words, " "), language.Latin)

		got := s.Split(text, language.Latin, 1000)
		require.NotEmpty(t, got)

		squash := func(v string) string { return strings.ReplaceAll(v, " ", "") }
		require.Equal(t, squash(text), squash(strings.Join(got, " ")))

		if len(got) > 1 {
			for _, sentence := range got {
				require.GreaterOrEqual(t, utf8.RuneCountInString(sentence), minFragment, sentence)
			}
		}

		require.Equal(t, got, s.Split(strings.Join(got, " "), language.Latin, 1000))

		capped := s.Split(text, language.Latin, 3)
		require.LessOrEqual(t, len(capped), 3)
		require.Equal(t, capped, s.Split(strings.Join(capped, " "), language.Latin, 3))
	})
}

func TestApplyToneIdempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		sentences := rapid.SliceOfN(rapid.SampledFrom(splitTokens), 0, 10).Draw(t, "sentences")
		for _, p := range []*language.Profile{language.Latin, language.Bengali} {
			once := ApplyTone(sentences, p)
			twice := ApplyTone(once, p)
			count := 0
			for _, s := range twice {
				if strings.Contains(strings.ToLower(s), strings.ToLower(p.DisclaimerMarker)) {
					count++
				}
			}
			require.Equal(t, 1, count)
			require.Equal(t, once, twice)
		}
	})
}
