package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleProbeJSON = `{
	"streams": [
		{"index": 0, "codec_type": "video", "codec_name": "h264", "width": 1920, "height": 1080, "duration": "599.933"},
		{"index": 1, "codec_type": "audio", "codec_name": "aac", "duration": "600.000"}
	],
	"format": {
		"format_name": "mov,mp4,m4a,3gp,3g2,mj2",
		"duration": "600.000000",
		"size": "2147483648"
	}
}`

func TestProbeReport_SourceInfo(t *testing.T) {
	t.Run("container fields win", func(t *testing.T) {
		var report ProbeReport
		require.NoError(t, json.Unmarshal([]byte(sampleProbeJSON), &report))

		info := report.SourceInfo()
		assert.Equal(t, "mov,mp4,m4a,3gp,3g2,mj2", info.Format)
		assert.InDelta(t, 600.0, info.Duration, 1e-6)
		assert.Equal(t, int64(2147483648), info.SizeBytes)
		assert.Equal(t, 1920, info.Width)
		assert.Equal(t, 1080, info.Height)
	})

	t.Run("stream duration fills a silent container", func(t *testing.T) {
		report := ProbeReport{
			Format: ProbeFormat{FormatName: "matroska,webm", Duration: "N/A"},
			Streams: []ProbeStream{
				{CodecType: "audio", Duration: "12.0"},
				{CodecType: "video", Width: 640, Height: 360, Duration: "42.5"},
			},
		}

		info := report.SourceInfo()
		assert.InDelta(t, 42.5, info.Duration, 1e-6)
		assert.Equal(t, 640, info.Width)
	})

	t.Run("no video stream", func(t *testing.T) {
		report := ProbeReport{
			Format:  ProbeFormat{Duration: "30.0", Size: "1024"},
			Streams: []ProbeStream{{CodecType: "audio"}},
		}

		require.Nil(t, report.VideoStream())
		info := report.SourceInfo()
		assert.Zero(t, info.Width)
		assert.InDelta(t, 30.0, info.Duration, 1e-6)
	})
}

func TestParseProbeValues(t *testing.T) {
	assert.InDelta(t, 93.4, ParseProbeDuration("93.400000"), 1e-6)
	assert.Zero(t, ParseProbeDuration(""))
	assert.Zero(t, ParseProbeDuration("N/A"))
	assert.Zero(t, ParseProbeDuration("soon"))
	assert.Zero(t, ParseProbeDuration("-5"))

	assert.Equal(t, int64(4096), ParseProbeSize("4096"))
	assert.Zero(t, ParseProbeSize("N/A"))
	assert.Zero(t, ParseProbeSize("4096.5"))
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, "0:00", FormatDuration(0))
	assert.Equal(t, "1:05", FormatDuration(65))
	assert.Equal(t, "1:00:01", FormatDuration(3601))

	assert.Equal(t, "512 B", FormatSize(512))
	assert.Equal(t, "1.5 KB", FormatSize(1536))
	assert.Equal(t, "2.0 GB", FormatSize(2<<30))
}
