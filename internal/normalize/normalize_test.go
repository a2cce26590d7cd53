package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackName(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases", "Midnight City", "midnight city"},
		{"strips feat credit", "Midnight City (feat. Someone)", "midnight city"},
		{"strips ft credit", "Midnight City ft. Someone", "midnight city"},
		{"strips bracketed remaster tag", "Midnight City [2012 Remaster]", "midnight city"},
		{"collapses punctuation and whitespace", "Don't   Stop, Believin'!!", "dont stop believin"},
		{"preserves accents", "Café del Mar", "café del mar"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, TrackName(tc.in))
		})
	}
}

func TestProducerName_NoFeatStripping(t *testing.T) {
	assert.Equal(t, "feat the machine", ProducerName("Feat. The Machine"))
	assert.Equal(t, "max martin", ProducerName("Max Martin (co-producer)"))
}

func TestReleaseDate_Precisions(t *testing.T) {
	t.Run("full date", func(t *testing.T) {
		got := ReleaseDate("2012-05-18")
		require.NotNil(t, got)
		assert.Equal(t, 2012, got.Year())
		assert.Equal(t, 18, got.Day())
	})
	t.Run("month precision", func(t *testing.T) {
		got := ReleaseDate("2012-05")
		require.NotNil(t, got)
		assert.Equal(t, 2012, got.Year())
	})
	t.Run("year precision", func(t *testing.T) {
		got := ReleaseDate("2012")
		require.NotNil(t, got)
		assert.Equal(t, 2012, got.Year())
	})
	t.Run("unparseable value returns nil", func(t *testing.T) {
		assert.Nil(t, ReleaseDate("not-a-date"))
	})
}
