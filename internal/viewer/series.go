package viewer

import (
	"encoding/json"
	"fmt"
	"regexp"

	"dicomview/internal/logging"
	"dicomview/internal/orthanc"

	"go.uber.org/zap"
)

// slicePattern matches the slice references returned by the store's
// ordered-slices route.
var slicePattern = regexp.MustCompile(`^/instances/([a-f0-9-]+)/frames/([0-9]+)$`)

// SeriesInformationAdapter produces the ordered-instance descriptor of
// one series, the way the client UI consumes it: slice references are
// rewritten from "/instances/<id>/frames/<n>" to "<id>_<n>".
type SeriesInformationAdapter struct {
	client *orthanc.Client
}

// NewSeriesInformationAdapter builds the factory of the series-info
// bundle.
func NewSeriesInformationAdapter(client *orthanc.Client) *SeriesInformationAdapter {
	return &SeriesInformationAdapter{client: client}
}

// SeriesInformation is the payload served to the viewer client.
type SeriesInformation struct {
	ID                string   `json:"ID"`
	SeriesDescription string   `json:"SeriesDescription"`
	StudyDescription  string   `json:"StudyDescription"`
	PatientID         string   `json:"PatientID"`
	PatientName       string   `json:"PatientName"`
	Type              string   `json:"Type"`
	Slices            []string `json:"Slices"`
}

// Create implements scheduler.Factory for series identifiers.
func (a *SeriesInformationAdapter) Create(seriesID string) ([]byte, bool, error) {
	logging.Component("viewer").Info("Ordering instances of series", zap.String("series", seriesID))

	var series struct {
		ParentStudy   string   `json:"ParentStudy"`
		Instances     []string `json:"Instances"`
		MainDicomTags struct {
			SeriesDescription string `json:"SeriesDescription"`
		} `json:"MainDicomTags"`
	}
	if ok, err := a.client.GetJSON("/series/"+seriesID, &series); err != nil || !ok {
		return nil, false, err
	}

	var study struct {
		StudyDescription string `json:"StudyDescription"`
	}
	if ok, err := a.client.GetJSON("/studies/"+series.ParentStudy+"/module?simplify", &study); err != nil || !ok {
		return nil, false, err
	}

	var patient struct {
		PatientID   string `json:"PatientID"`
		PatientName string `json:"PatientName"`
	}
	if ok, err := a.client.GetJSON("/studies/"+series.ParentStudy+"/module-patient?simplify", &patient); err != nil || !ok {
		return nil, false, err
	}

	var ordered struct {
		Type   string   `json:"Type"`
		Slices []string `json:"Slices"`
	}
	if ok, err := a.client.GetJSON("/series/"+seriesID+"/ordered-slices", &ordered); err != nil || !ok {
		return nil, false, err
	}

	if series.Instances == nil {
		return nil, false, nil
	}

	result := SeriesInformation{
		ID:                seriesID,
		SeriesDescription: series.MainDicomTags.SeriesDescription,
		StudyDescription:  study.StudyDescription,
		PatientID:         patient.PatientID,
		PatientName:       patient.PatientName,
		Type:              ordered.Type,
		Slices:            make([]string, len(ordered.Slices)),
	}

	for i, slice := range ordered.Slices {
		m := slicePattern.FindStringSubmatch(slice)
		if m == nil {
			return nil, false, nil
		}
		result.Slices[i] = fmt.Sprintf("%s_%s", m[1], m[2])
	}

	content, err := json.Marshal(result)
	if err != nil {
		return nil, false, err
	}
	return content, true, nil
}
