package tts_test

import (
	"slices"
	"testing"

	"github.com/mawwalker/moss/pkg/provider/tts"
)

func TestSplitSentences(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		in       string
		want     []string
		wantRest string
	}{
		{name: "english", in: "Tokyo is 18 degrees. It is clear! More", want: []string{"Tokyo is 18 degrees.", "It is clear!"}, wantRest: " More"},
		{name: "decimal stays intact", in: "Pi is 3.14 today.", want: []string{"Pi is 3.14 today."}},
		{name: "trailing terminator", in: "Done?", want: []string{"Done?"}},
		{name: "chinese", in: "今天天气晴。气温十八度！还有", want: []string{"今天天气晴。", "气温十八度！"}, wantRest: "还有"},
		{name: "semicolons and newline", in: "a; b；c\nd", want: []string{"a;", "b；", "c"}, wantRest: "d"},
		{name: "no terminator", in: "still talking", wantRest: "still talking"},
		{name: "bare terminators", in: "。。ok.", want: []string{"。", "。", "ok."}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, rest := tts.SplitSentences(tt.in)
			if !slices.Equal(got, tt.want) {
				t.Errorf("sentences = %q, want %q", got, tt.want)
			}
			if rest != tt.wantRest {
				t.Errorf("rest = %q, want %q", rest, tt.wantRest)
			}
		})
	}
}

func TestFeed(t *testing.T) {
	t.Parallel()

	var got []string
	for s := range tts.Feed("hello") {
		got = append(got, s)
	}
	if !slices.Equal(got, []string{"hello"}) {
		t.Fatalf("Feed yielded %q", got)
	}
}
