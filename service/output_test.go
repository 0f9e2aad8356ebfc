package service

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zlnvch/cosketch/models"
)

func TestResolveOutputReference(t *testing.T) {
	tests := []struct {
		name    string
		output  string
		want    string
		wantErr bool
	}{
		{"String", `"https://a.example/x.png"`, "https://a.example/x.png", false},
		{"PaddedString", `"  https://a.example/x.png\n"`, "https://a.example/x.png", false},
		{"DataURI", `"data:image/png;base64,AAAA"`, "data:image/png;base64,AAAA", false},
		{"OneElementArray", `["https://a.example/x.png"]`, "https://a.example/x.png", false},
		{"URLField", `{"url":"https://a.example/x.png","seed":4}`, "https://a.example/x.png", false},
		{"ImageField", `{"image":"https://a.example/x.png"}`, "https://a.example/x.png", false},
		{"URLFieldWins", `{"image":"https://b.example/y.png","url":"https://a.example/x.png"}`, "https://a.example/x.png", false},
		{"CharArray", `["h","t","t","p",":","/","/","a",".","i","o"]`, "http://a.io", false},
		{"TwoURLs", `["https://a.example/1.png","https://a.example/2.png"]`, "", true},
		{"MixedArray", `["https://a.example/1.png",3]`, "", true},
		{"EmptyArray", `[]`, "", true},
		{"Number", `42`, "", true},
		{"NotAURL", `"just some text"`, "", true},
		{"RelativePath", `"/tmp/x.png"`, "", true},
		{"DataWithoutPayload", `"data:image/png"`, "", true},
		{"NotJSON", `{broken`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveOutputReference(json.RawMessage(tt.output))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrProviderError)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeDataURI(t *testing.T) {
	data, contentType, err := decodeDataURI("data:image/png;base64,aGVsbG8=")
	require.NoError(t, err)
	assert.Equal(t, "image/png", contentType)
	assert.Equal(t, []byte("hello"), data)

	data, contentType, err = decodeDataURI("data:,plain%20text")
	require.NoError(t, err)
	assert.Equal(t, "application/octet-stream", contentType)
	assert.Equal(t, []byte("plain text"), data)

	_, _, err = decodeDataURI("data:image/png;base64,!!!")
	assert.Error(t, err)

	_, _, err = decodeDataURI("data:image/png;base64,")
	assert.Error(t, err)
}

func layerAt(order int, created int64, kind models.LayerKind, id string) models.Layer {
	return models.Layer{LayerOrder: order, Created: created, Kind: kind, Id: id}
}

func TestCompareLayersPrecedence(t *testing.T) {
	assert.Negative(t, compareLayers(layerAt(0, 5, 2, "z"), layerAt(1, 0, 0, "a")))
	assert.Negative(t, compareLayers(layerAt(1, 4, 2, "z"), layerAt(1, 5, 0, "a")))
	assert.Negative(t, compareLayers(layerAt(1, 5, 0, "z"), layerAt(1, 5, 1, "a")))
	assert.Negative(t, compareLayers(layerAt(1, 5, 2, "a"), layerAt(1, 5, 2, "b")))
	assert.Zero(t, compareLayers(layerAt(1, 5, 2, "a"), layerAt(1, 5, 2, "a")))
}
