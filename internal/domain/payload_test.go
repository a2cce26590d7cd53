package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArtistPayload_Validate_RequiresIDOrName(t *testing.T) {
	err := ArtistPayload{}.Validate()
	require.ErrorIs(t, err, ErrSchemaInvalid)

	assert.NoError(t, ArtistPayload{ArtistID: "abc"}.Validate())
	assert.NoError(t, ArtistPayload{ArtistName: "Daft Punk"}.Validate())
}

func TestAlbumPayload_Validate_RequiresArtistID(t *testing.T) {
	err := AlbumPayload{Offset: 0}.Validate()
	require.ErrorIs(t, err, ErrSchemaInvalid)

	assert.NoError(t, AlbumPayload{ArtistID: "abc"}.Validate())
}

func TestDecodePayload_InvalidJSON(t *testing.T) {
	_, err := DecodePayload[ArtistPayload]([]byte(`not json`))
	require.ErrorIs(t, err, ErrSchemaInvalid)
}

func TestDecodePayload_ValidatesAfterDecode(t *testing.T) {
	_, err := DecodePayload[AlbumPayload]([]byte(`{"offset": 5}`))
	require.ErrorIs(t, err, ErrSchemaInvalid)

	p, err := DecodePayload[AlbumPayload]([]byte(`{"artistId": "abc", "offset": 5}`))
	require.NoError(t, err)
	assert.Equal(t, "abc", p.ArtistID)
	assert.Equal(t, 5, p.Offset)
}

func TestStageName_QueueName(t *testing.T) {
	assert.Equal(t, "artist", StageArtist.QueueName())
	assert.Equal(t, "social", StageSocial.QueueName())
}
