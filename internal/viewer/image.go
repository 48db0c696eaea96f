package viewer

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"math"
	"strconv"
	"strings"
	"time"

	"dicomview/internal/logging"
	"dicomview/internal/metrics"
	"dicomview/internal/orthanc"

	"go.uber.org/zap"
)

// CompressionType selects how a decoded frame is re-encoded for the
// client.
type CompressionType int

const (
	CompressionJpeg CompressionType = iota
	CompressionDeflate
)

// pixelFormat is the interpretation of a raw frame buffer.
type pixelFormat int

const (
	formatGrayscale8 pixelFormat = iota
	formatGrayscale16
	formatSignedGrayscale16
	formatRGB24
)

func (f pixelFormat) bytesPerPixel() int {
	switch f {
	case formatGrayscale8:
		return 1
	case formatRGB24:
		return 3
	default:
		return 2
	}
}

// frameImage is one decoded frame with minimal pitch.
type frameImage struct {
	format pixelFormat
	width  int
	height int
	data   []byte
}

// ParseImageKey splits a decoded-image cache key
// "<compression>-<instanceId>_<frame>" into its parts. The compression
// part is either "deflate" or "jpegNN" with a quality between 1 and 100.
func ParseImageKey(key string) (ctype CompressionType, quality int, instanceID string, frame int, ok bool) {
	separator := strings.Index(key, "-")
	if separator < 1 {
		return 0, 0, "", 0, false
	}

	compression := key[:separator]
	target := key[separator+1:]

	switch {
	case compression == "deflate":
		ctype = CompressionDeflate
	case strings.HasPrefix(compression, "jpeg"):
		level, err := strconv.Atoi(compression[4:])
		if err != nil || level <= 0 || level > 100 {
			return 0, 0, "", 0, false
		}
		ctype = CompressionJpeg
		quality = level
	default:
		return 0, 0, "", 0, false
	}

	instanceID = target
	if i := strings.LastIndex(target, "_"); i >= 0 {
		n, err := strconv.Atoi(target[i+1:])
		if err != nil || n < 0 {
			return 0, 0, "", 0, false
		}
		instanceID = target[:i]
		frame = n
	}

	return ctype, quality, instanceID, frame, true
}

// instanceTags is the subset of simplified DICOM tags the adapter needs
// to interpret a raw frame buffer.
type instanceTags struct {
	Rows                      string `json:"Rows"`
	Columns                   string `json:"Columns"`
	BitsAllocated             string `json:"BitsAllocated"`
	PixelRepresentation       string `json:"PixelRepresentation"`
	SamplesPerPixel           string `json:"SamplesPerPixel"`
	PhotometricInterpretation string `json:"PhotometricInterpretation"`
	RescaleSlope              string `json:"RescaleSlope"`
	RescaleIntercept          string `json:"RescaleIntercept"`
	WindowCenter              string `json:"WindowCenter"`
	WindowWidth               string `json:"WindowWidth"`
	PixelSpacing              string `json:"PixelSpacing"`
}

func tagInt(value string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func tagFloat(value string, fallback float64) float64 {
	// Multi-valued tags keep their first component.
	if i := strings.Index(value, "\\"); i >= 0 {
		value = value[:i]
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// interpretFrame maps a raw frame buffer onto a pixel format using the
// instance tags. Unsupported combinations yield ok == false.
func interpretFrame(tags instanceTags, raw []byte) (frameImage, bool) {
	width := tagInt(tags.Columns, 0)
	height := tagInt(tags.Rows, 0)
	if width <= 0 || height <= 0 {
		return frameImage{}, false
	}

	samples := tagInt(tags.SamplesPerPixel, 1)
	bits := tagInt(tags.BitsAllocated, 8)
	signed := tagInt(tags.PixelRepresentation, 0) == 1

	img := frameImage{width: width, height: height, data: raw}

	switch {
	case samples == 1 && bits == 8 && !signed:
		img.format = formatGrayscale8
	case samples == 1 && bits == 16 && !signed:
		img.format = formatGrayscale16
	case samples == 1 && bits == 16 && signed:
		img.format = formatSignedGrayscale16
	case samples == 3 && bits == 8:
		img.format = formatRGB24
	default:
		return frameImage{}, false
	}

	if len(raw) < width*height*img.format.bytesPerPixel() {
		return frameImage{}, false
	}
	img.data = raw[:width*height*img.format.bytesPerPixel()]

	return img, true
}

// pixel returns the value at (x, y) as a signed 32-bit integer.
func (f *frameImage) pixel(x, y int) int32 {
	switch f.format {
	case formatGrayscale8:
		return int32(f.data[y*f.width+x])
	case formatGrayscale16:
		return int32(binary.LittleEndian.Uint16(f.data[2*(y*f.width+x):]))
	case formatSignedGrayscale16:
		return int32(int16(binary.LittleEndian.Uint16(f.data[2*(y*f.width+x):])))
	default:
		panic("pixel access on color image")
	}
}

// minMax scans a grayscale frame for its smallest and largest values.
func (f *frameImage) minMax() (int32, int32) {
	min := int32(math.MaxInt32)
	max := int32(math.MinInt32)
	for y := 0; y < f.height; y++ {
		for x := 0; x < f.width; x++ {
			v := f.pixel(x, y)
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
		}
	}
	return min, max
}

// changeDynamics linearly rescales a grayscale frame from the source
// range [source1, source2] to the target range [target1, target2],
// clamping to the bounds of the target type.
func changeDynamics(f *frameImage, source1, target1, source2, target2 int32,
	targetMin, targetMax int32, put func(i int, v int32)) {

	scale := float64(target2-target1) / float64(source2-source1)
	offset := float64(target1) - scale*float64(source1)

	i := 0
	for y := 0; y < f.height; y++ {
		for x := 0; x < f.width; x++ {
			v := scale*float64(f.pixel(x, y)) + offset
			switch {
			case v > float64(targetMax):
				put(i, targetMax)
			case v < float64(targetMin):
				put(i, targetMin)
			default:
				put(i, int32(math.Round(v)))
			}
			i++
		}
	}
}

// cornerstoneMetadata fills the windowing metadata consumed by the
// Cornerstone-based client.
func cornerstoneMetadata(result map[string]interface{}, tags instanceTags, img *frameImage) {
	slope := tagFloat(tags.RescaleSlope, 1.0)
	intercept := tagFloat(tags.RescaleIntercept, 0.0)
	if slope == 0 {
		slope = 1.0
	}

	var windowCenter, windowWidth float64

	if img.format == formatRGB24 {
		result["minPixelValue"] = 0
		result["maxPixelValue"] = 255
		result["color"] = true
		windowCenter = 127.5
		windowWidth = 256.0
	} else {
		a, b := img.minMax()
		if a < 0 {
			result["minPixelValue"] = a
		} else {
			result["minPixelValue"] = 0
		}
		if b > 0 {
			result["maxPixelValue"] = b
		} else {
			result["maxPixelValue"] = 1
		}
		result["color"] = false

		windowCenter = float64(a+b) / 2.0
		if a == b {
			windowWidth = 256.0 // Arbitrary value
		} else {
			windowWidth = float64(b-a) / 2.0
		}
	}

	result["slope"] = slope
	result["intercept"] = intercept
	result["rows"] = img.height
	result["columns"] = img.width
	result["height"] = img.height
	result["width"] = img.width

	// DICOM PixelSpacing is "row spacing \ column spacing"
	rowSpacing, columnSpacing := 1.0, 1.0
	if spacing, ok := tokenizeVector(tags.PixelSpacing, 2); ok {
		rowSpacing = spacing[0]
		columnSpacing = spacing[1]
	}
	result["rowPixelSpacing"] = rowSpacing
	result["columnPixelSpacing"] = columnSpacing

	result["windowCenter"] = windowCenter*slope + intercept
	result["windowWidth"] = windowWidth * slope

	// The window of the acquisition takes precedence, when present and
	// parseable.
	if tags.WindowCenter != "" && tags.WindowWidth != "" {
		center, errC := strconv.ParseFloat(strings.TrimSpace(strings.Split(tags.WindowCenter, "\\")[0]), 64)
		width, errW := strconv.ParseFloat(strings.TrimSpace(strings.Split(tags.WindowWidth, "\\")[0]), 64)
		if errC == nil && errW == nil {
			result["windowCenter"] = center
			result["windowWidth"] = width
		}
	}
}

// encodeUsingDeflate re-encodes a frame as zlib-compressed pixels. The
// grayscale paths are normalised to signed 16-bit little-endian so the
// client always unpacks the same layout.
func encodeUsingDeflate(tags instanceTags, img *frameImage) (map[string]interface{}, bool, error) {
	result := map[string]interface{}{}
	cornerstoneMetadata(result, tags, img)

	var converted []byte

	switch img.format {
	case formatRGB24:
		converted = img.data

	case formatSignedGrayscale16:
		converted = img.data

	case formatGrayscale8, formatGrayscale16:
		converted = make([]byte, 2*img.width*img.height)
		changeDynamics(img, 0, 0, 1, 1, math.MinInt16, math.MaxInt16, func(i int, v int32) {
			binary.LittleEndian.PutUint16(converted[2*i:], uint16(int16(v)))
		})

	default:
		return nil, false, nil
	}

	var compressed bytes.Buffer
	w, err := zlib.NewWriterLevel(&compressed, zlib.BestCompression)
	if err != nil {
		return nil, false, err
	}
	if _, err := w.Write(converted); err != nil {
		return nil, false, err
	}
	if err := w.Close(); err != nil {
		return nil, false, err
	}

	result["sizeInBytes"] = len(converted)
	result["Orthanc"] = map[string]interface{}{
		"Compression": "Deflate",
		"PixelData":   base64.StdEncoding.EncodeToString(compressed.Bytes()),
	}

	return result, true, nil
}

// encodeUsingJpeg re-encodes a frame as a stretched JPEG. 16-bit
// grayscale is rescaled to 8 bits between its extreme values, and the
// stretch bounds travel with the payload so the client can undo it.
func encodeUsingJpeg(tags instanceTags, img *frameImage, quality int) (map[string]interface{}, bool, error) {
	result := map[string]interface{}{}
	cornerstoneMetadata(result, tags, img)

	meta := map[string]interface{}{
		"Compression": "Jpeg",
	}

	var encoded image.Image
	var size int

	switch img.format {
	case formatGrayscale8:
		meta["Stretched"] = false
		gray := &image.Gray{Pix: img.data, Stride: img.width,
			Rect: image.Rect(0, 0, img.width, img.height)}
		encoded = gray
		size = len(img.data)

	case formatRGB24:
		meta["Stretched"] = false
		rgba := image.NewRGBA(image.Rect(0, 0, img.width, img.height))
		for i := 0; i < img.width*img.height; i++ {
			rgba.Pix[4*i] = img.data[3*i]
			rgba.Pix[4*i+1] = img.data[3*i+1]
			rgba.Pix[4*i+2] = img.data[3*i+2]
			rgba.Pix[4*i+3] = 0xff
		}
		encoded = rgba
		size = len(img.data)

	case formatGrayscale16, formatSignedGrayscale16:
		meta["Stretched"] = true
		a, b := img.minMax()
		meta["StretchLow"] = a
		meta["StretchHigh"] = b

		gray := image.NewGray(image.Rect(0, 0, img.width, img.height))
		if a == b {
			// Flat image, nothing to stretch
			for i := range gray.Pix {
				gray.Pix[i] = 0
			}
		} else {
			changeDynamics(img, a, 0, b, 255, 0, 255, func(i int, v int32) {
				gray.Pix[i] = uint8(v)
			})
		}
		encoded = gray
		size = img.width * img.height

	default:
		return nil, false, nil
	}

	var compressed bytes.Buffer
	if err := jpeg.Encode(&compressed, encoded, &jpeg.Options{Quality: quality}); err != nil {
		return nil, false, err
	}

	meta["PixelData"] = base64.StdEncoding.EncodeToString(compressed.Bytes())
	result["sizeInBytes"] = size
	result["Orthanc"] = meta

	return result, true, nil
}

// DecodedImageAdapter produces decoded pixel payloads for the viewer
// client. The hosting store decodes the DICOM transfer syntax; this
// factory interprets the raw frame, applies the windowing metadata, and
// re-encodes as deflate or JPEG.
type DecodedImageAdapter struct {
	client *orthanc.Client
}

// NewDecodedImageAdapter builds the factory of the decoded-image
// bundle.
func NewDecodedImageAdapter(client *orthanc.Client) *DecodedImageAdapter {
	return &DecodedImageAdapter{client: client}
}

// Create implements scheduler.Factory for decoded-image keys.
func (a *DecodedImageAdapter) Create(key string) ([]byte, bool, error) {
	logging.Component("viewer").Info("Decoding DICOM instance", zap.String("key", key))

	ctype, quality, instanceID, frame, ok := ParseImageKey(key)
	if !ok {
		return nil, false, nil
	}

	start := time.Now()

	var tags instanceTags
	if ok, err := a.client.GetJSON("/instances/"+instanceID+"/tags?simplify", &tags); err != nil || !ok {
		return nil, false, err
	}

	raw, ok, err := a.client.GetBytes(fmt.Sprintf("/instances/%s/frames/%d/raw", instanceID, frame))
	if err != nil || !ok {
		return nil, false, err
	}

	img, ok := interpretFrame(tags, raw)
	if !ok {
		logging.Component("viewer").Warn("Unsupported pixel format, cannot decode instance",
			zap.String("instance", instanceID))
		return nil, false, nil
	}

	var payload map[string]interface{}
	var compression string

	switch ctype {
	case CompressionDeflate:
		compression = "deflate"
		payload, ok, err = encodeUsingDeflate(tags, &img)
	case CompressionJpeg:
		compression = "jpeg"
		payload, ok, err = encodeUsingJpeg(tags, &img, quality)
	}
	if err != nil {
		return nil, false, err
	}
	if !ok {
		logging.Component("viewer").Warn("Unable to decode instance", zap.String("key", key))
		return nil, false, nil
	}

	metrics.Get().DecodeDuration.WithLabelValues(compression).
		Observe(time.Since(start).Seconds())

	content, err := json.Marshal(payload)
	if err != nil {
		return nil, false, err
	}
	return content, true, nil
}
