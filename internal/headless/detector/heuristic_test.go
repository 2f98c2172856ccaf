package detector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeuristicShouldPromote(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		threshold int
		body      string
		want      bool
	}{
		{name: "empty body", threshold: 100, body: "", want: true},
		{name: "whitespace only", threshold: 100, body: " \n\t", want: true},
		{name: "spa marker", threshold: 100, body: `<div id="__next"></div>`, want: true},
		{name: "script dense", threshold: 1000, body: `<html><script>var a=1;</script><p>t</p></html>`, want: true},
		{name: "unclosed script", threshold: 1000, body: `<p>x</p><script src="a.js"`, want: true},
		{
			name:      "table wins over markers",
			threshold: 1000,
			body:      `<div id="app"><script>x()</script><TABLE class="wikitable"></TABLE></div>`,
			want:      false,
		},
		{name: "plain article", threshold: 100, body: "<html><body><p>" + strings.Repeat("text ", 50) + "</p></body></html>", want: false},
		{
			name:      "large script page",
			threshold: 10,
			body:      `<html><script>var a=1;</script><p>t</p></html>`,
			want:      false,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, NewHeuristic(tt.threshold).ShouldPromote([]byte(tt.body)))
		})
	}
}

func TestNewHeuristicDefaultThreshold(t *testing.T) {
	t.Parallel()

	require.Equal(t, 2048, NewHeuristic(0).BodyLengthThreshold)
}
