package tts

import "testing"

func TestSpeechText(t *testing.T) {
	tests := []struct {
		name     string
		markdown string
		want     string
	}{
		{
			name:     "plain",
			markdown: "Water the crop in the evening",
			want:     "Water the crop in the evening.",
		},
		{
			name:     "emphasis",
			markdown: "Use **neem oil** on _cotton_ leaves.",
			want:     "Use neem oil on cotton leaves.",
		},
		{
			name:     "heading and list",
			markdown: "# Wheat\n\n- Sow in November\n- Irrigate at crown root stage",
			want:     "Wheat. Sow in November. Irrigate at crown root stage.",
		},
		{
			name:     "code dropped",
			markdown: "Run this:\n\n```\nrm -rf /\n```\n\nThen rest.",
			want:     "Run this: Then rest.",
		},
		{
			name:     "link text kept",
			markdown: "See [the mandi prices](https://example.com/prices) today!",
			want:     "See the mandi prices today!",
		},
		{
			name:     "danda ends a sentence",
			markdown: "बारिश की संभावना है।\n\nखेत में पानी न दें",
			want:     "बारिश की संभावना है। खेत में पानी न दें.",
		},
		{
			name:     "html dropped",
			markdown: "<div>hidden</div>\n\nvisible",
			want:     "visible.",
		},
		{
			name:     "empty",
			markdown: "   ",
			want:     "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SpeechText(tt.markdown); got != tt.want {
				t.Errorf("SpeechText() = %q, want %q", got, tt.want)
			}
		})
	}
}
