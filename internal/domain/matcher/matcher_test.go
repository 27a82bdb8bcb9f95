package matcher

import "testing"

func TestMatches(t *testing.T) {
	cases := []struct {
		name    string
		keyword string
		content string
		want    bool
	}{
		{
			name:    "word mode exact fragment",
			keyword: "bar",
			content: "foo bar baz",
			want:    true,
		},
		{
			name:    "word mode rejects substring of a larger fragment",
			keyword: "bar",
			content: "foobarbaz",
			want:    false,
		},
		{
			name:    "phrase mode requires boundaries on both sides",
			keyword: "foo bar",
			content: "baz foo bar.",
			want:    true,
		},
		{
			name:    "phrase mode rejects when flanked by word characters",
			keyword: "foo bar",
			content: "xfoo barx",
			want:    false,
		},
		{
			name:    "symbolic mode matches anywhere, no boundary check",
			keyword: "$bar",
			content: "foo$bar%baz",
			want:    true,
		},
		{
			name:    "unicode word mode: keyword isolated by non-word punctuation",
			keyword: "ဥပမာ",
			content: "စမ်းသပ်မှု — ဥပမာ — ပြီးပါပြီ",
			want:    true,
		},
		{
			name:    "unicode word mode: keyword concatenated inside a larger fragment",
			keyword: "ဥပမာ",
			content: "စမ်းသပ်မှုဥပမာ",
			want:    false,
		},
		{
			name:    "mention overlap excludes an otherwise-valid match",
			keyword: "123",
			content: "ping <@123> now",
			want:    false,
		},
		{
			name:    "mention overlap only excludes the overlapping occurrence",
			keyword: "123",
			content: "ping <@123> see ticket 123 now",
			want:    true,
		},
		{
			name:    "word-mode keyword matches itself",
			keyword: "release",
			content: "release",
			want:    true,
		},
		{
			name:    "empty keyword never matches",
			keyword: "",
			content: "anything",
			want:    false,
		},
		{
			name:    "phrase mode matches at start and end of content",
			keyword: "foo bar",
			content: "foo bar",
			want:    true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Matches(tc.keyword, tc.content)
			if got != tc.want {
				t.Errorf("Matches(%q, %q) = %v, want %v", tc.keyword, tc.content, got, tc.want)
			}
		})
	}
}

func TestRegimeOf(t *testing.T) {
	cases := []struct {
		keyword string
		want    regime
	}{
		{"release", regimeWord},
		{"foo bar", regimePhrase},
		{"$bar", regimeSymbolic},
		{"c++", regimeSymbolic},
		{"ဥပမာ", regimeWord},
	}
	for _, tc := range cases {
		if got := regimeOf(tc.keyword); got != tc.want {
			t.Errorf("regimeOf(%q) = %v, want %v", tc.keyword, got, tc.want)
		}
	}
}
