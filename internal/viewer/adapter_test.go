package viewer

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"dicomview/internal/orthanc"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubImageStore serves the two routes of the decoded-image adapter:
// simplified tags and one raw frame.
func stubImageStore(t *testing.T, tags map[string]string, frame []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/instances/inst-1/tags":
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(tags)
		case r.URL.Path == "/instances/inst-1/frames/0/raw":
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Write(frame)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestDecodedImageAdapterDeflate(t *testing.T) {
	frame := make([]byte, 8)
	for i, v := range []int16{-1000, 0, 500, 2000} {
		binary.LittleEndian.PutUint16(frame[2*i:], uint16(v))
	}

	server := stubImageStore(t, map[string]string{
		"Rows": "2", "Columns": "2",
		"BitsAllocated": "16", "PixelRepresentation": "1", "SamplesPerPixel": "1",
		"RescaleSlope": "1", "RescaleIntercept": "-1024",
	}, frame)
	defer server.Close()

	adapter := NewDecodedImageAdapter(orthanc.NewClient(server.URL, "", ""))

	content, ok, err := adapter.Create("deflate-inst-1_0")
	require.NoError(t, err)
	require.True(t, ok)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(content, &payload))

	meta := payload["Orthanc"].(map[string]interface{})
	assert.Equal(t, "Deflate", meta["Compression"])
	assert.NotEmpty(t, meta["PixelData"])
	assert.Equal(t, float64(8), payload["sizeInBytes"])
	assert.Equal(t, float64(-1000), payload["minPixelValue"])
	assert.Equal(t, float64(2000), payload["maxPixelValue"])
}

func TestDecodedImageAdapterJpeg(t *testing.T) {
	server := stubImageStore(t, map[string]string{
		"Rows": "2", "Columns": "2",
		"BitsAllocated": "8", "PixelRepresentation": "0", "SamplesPerPixel": "1",
	}, []byte{0, 80, 160, 255})
	defer server.Close()

	adapter := NewDecodedImageAdapter(orthanc.NewClient(server.URL, "", ""))

	content, ok, err := adapter.Create("jpeg95-inst-1_0")
	require.NoError(t, err)
	require.True(t, ok)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(content, &payload))

	meta := payload["Orthanc"].(map[string]interface{})
	assert.Equal(t, "Jpeg", meta["Compression"])
	assert.Equal(t, false, meta["Stretched"])

	jpegBytes, err := base64.StdEncoding.DecodeString(meta["PixelData"].(string))
	require.NoError(t, err)
	assert.Equal(t, byte(0xff), jpegBytes[0])
	assert.Equal(t, byte(0xd8), jpegBytes[1])
}

func TestDecodedImageAdapterBadKey(t *testing.T) {
	adapter := NewDecodedImageAdapter(orthanc.NewClient("http://localhost:1", "", ""))

	// A malformed key is "not producible", never an error
	_, ok, err := adapter.Create("bogus")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDecodedImageAdapterUnknownInstance(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	adapter := NewDecodedImageAdapter(orthanc.NewClient(server.URL, "", ""))

	_, ok, err := adapter.Create("deflate-missing_0")
	require.NoError(t, err)
	assert.False(t, ok)
}
