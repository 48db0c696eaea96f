package viewer

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"dicomview/internal/orthanc"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubStore fakes the REST API of the DICOM store.
func stubStore(t *testing.T, routes map[string]interface{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uri := r.URL.Path
		if r.URL.RawQuery != "" {
			uri += "?" + r.URL.RawQuery
		}
		payload, ok := routes[uri]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(payload)
	}))
}

func TestSeriesInformationAdapter(t *testing.T) {
	server := stubStore(t, map[string]interface{}{
		"/series/series-1": map[string]interface{}{
			"ParentStudy": "study-1",
			"Instances":   []string{"inst-a", "inst-b"},
			"MainDicomTags": map[string]string{
				"SeriesDescription": "Axial CT",
			},
		},
		"/studies/study-1/module?simplify": map[string]string{
			"StudyDescription": "Chest",
		},
		"/studies/study-1/module-patient?simplify": map[string]string{
			"PatientID":   "P001",
			"PatientName": "DOE^JOHN",
		},
		"/series/series-1/ordered-slices": map[string]interface{}{
			"Type": "Volume",
			"Slices": []string{
				"/instances/aaaa0000-1111/frames/0",
				"/instances/bbbb2222-3333/frames/1",
			},
		},
	})
	defer server.Close()

	adapter := NewSeriesInformationAdapter(orthanc.NewClient(server.URL, "", ""))

	content, ok, err := adapter.Create("series-1")
	require.NoError(t, err)
	require.True(t, ok)

	var info SeriesInformation
	require.NoError(t, json.Unmarshal(content, &info))

	assert.Equal(t, "series-1", info.ID)
	assert.Equal(t, "Axial CT", info.SeriesDescription)
	assert.Equal(t, "Chest", info.StudyDescription)
	assert.Equal(t, "P001", info.PatientID)
	assert.Equal(t, "DOE^JOHN", info.PatientName)
	assert.Equal(t, "Volume", info.Type)
	assert.Equal(t, []string{"aaaa0000-1111_0", "bbbb2222-3333_1"}, info.Slices)
}

func TestSeriesInformationAdapterUnknownSeries(t *testing.T) {
	server := stubStore(t, map[string]interface{}{})
	defer server.Close()

	adapter := NewSeriesInformationAdapter(orthanc.NewClient(server.URL, "", ""))

	_, ok, err := adapter.Create("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSeriesInformationAdapterRejectsMalformedSlices(t *testing.T) {
	server := stubStore(t, map[string]interface{}{
		"/series/series-1": map[string]interface{}{
			"ParentStudy": "study-1",
			"Instances":   []string{"inst-a"},
		},
		"/studies/study-1/module?simplify":         map[string]string{},
		"/studies/study-1/module-patient?simplify": map[string]string{},
		"/series/series-1/ordered-slices": map[string]interface{}{
			"Type":   "Sequence",
			"Slices": []string{"not-a-slice-reference"},
		},
	})
	defer server.Close()

	adapter := NewSeriesInformationAdapter(orthanc.NewClient(server.URL, "", ""))

	_, ok, err := adapter.Create("series-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInstanceInformationAdapter(t *testing.T) {
	server := stubStore(t, map[string]interface{}{
		"/instances/inst-1": map[string]interface{}{
			"IndexInSeries": 5,
		},
		"/instances/inst-1/tags?simplify": map[string]string{
			"ImageOrientationPatient": "1\\0\\0\\0\\1\\0",
			"ImagePositionPatient":    "-100\\-100\\42.5",
		},
	})
	defer server.Close()

	adapter := NewInstanceInformationAdapter(orthanc.NewClient(server.URL, "", ""))

	content, ok, err := adapter.Create("inst-1")
	require.NoError(t, err)
	require.True(t, ok)

	info, err := DeserializeInstanceInformation(content)
	require.NoError(t, err)
	require.True(t, info.HasPosition())
	require.True(t, info.HasIndex())

	// Axial orientation: the normal is +Z
	assert.Equal(t, []float64{0, 0, 1}, info.Normal)
	assert.Equal(t, []float64{-100, -100, 42.5}, info.Position)
	assert.Equal(t, 5, *info.Index)
}

func TestInstanceInformationAdapterWithoutOrientation(t *testing.T) {
	server := stubStore(t, map[string]interface{}{
		"/instances/inst-1": map[string]interface{}{
			"IndexInSeries": 2,
		},
		"/instances/inst-1/tags?simplify": map[string]string{},
	})
	defer server.Close()

	adapter := NewInstanceInformationAdapter(orthanc.NewClient(server.URL, "", ""))

	content, ok, err := adapter.Create("inst-1")
	require.NoError(t, err)
	require.True(t, ok)

	info, err := DeserializeInstanceInformation(content)
	require.NoError(t, err)
	assert.False(t, info.HasPosition())
	require.True(t, info.HasIndex())
	assert.Equal(t, 2, *info.Index)
}
