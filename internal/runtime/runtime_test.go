package runtime

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLoadedImageRef_PrefersNamedTagOverImageID(t *testing.T) {
	stream := strings.NewReader(
		`{"stream":"some progress\n"}` + "\n" +
			`{"stream":"Loaded image ID: sha256:abc123\n"}` + "\n" +
			`{"stream":"Loaded image: myrepo/component:1.0\n"}` + "\n",
	)

	ref, err := parseLoadedImageRef(stream)
	require.NoError(t, err)
	assert.Equal(t, "myrepo/component:1.0", ref)
}

func TestParseLoadedImageRef_FallsBackToImageIDWhenNoTag(t *testing.T) {
	stream := strings.NewReader(`{"stream":"Loaded image ID: sha256:abc123\n"}` + "\n")

	ref, err := parseLoadedImageRef(stream)
	require.NoError(t, err)
	assert.Equal(t, "sha256:abc123", ref)
}

func TestParseLoadedImageRef_ErrorsWhenNoReferenceFound(t *testing.T) {
	stream := strings.NewReader(`{"stream":"unrelated progress line\n"}` + "\n")

	_, err := parseLoadedImageRef(stream)
	require.Error(t, err)
}

func TestParseLoadedImageRef_IgnoresMalformedLines(t *testing.T) {
	stream := strings.NewReader(
		"not json at all\n" +
			`{"stream":"Loaded image: myrepo/server:2.3\n"}` + "\n",
	)

	ref, err := parseLoadedImageRef(stream)
	require.NoError(t, err)
	assert.Equal(t, "myrepo/server:2.3", ref)
}
