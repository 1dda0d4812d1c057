package queue

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStage(t *testing.T) {
	tests := []struct {
		input   string
		want    Stage
		wantErr bool
	}{
		{"text_extraction", TextExtraction, false},
		{"segmentation", Segmentation, false},
		{"point_extraction", PointExtraction, false},
		{"metadata_extraction", MetadataExtraction, false},
		{"geo_referencing", GeoReferencing, false},
		{"points", PointExtraction, false},
		{"georef", GeoReferencing, false},
		{" Metadata ", MetadataExtraction, false},
		{"ocr", StageUnknown, true},
		{"", StageUnknown, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseStage(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseStages_Dedupes(t *testing.T) {
	stages, err := ParseStages([]string{"segmentation", "segments", "metadata_extraction"})
	require.NoError(t, err)
	assert.Equal(t, []Stage{Segmentation, MetadataExtraction}, stages)

	_, err = ParseStages([]string{"segmentation", "nope"})
	assert.Error(t, err)
}

func TestQueues_WireNames(t *testing.T) {
	assert.Equal(t, []string{
		"text_extraction",
		"segmentation",
		"point_extraction",
		"metadata_extraction",
		"geo_referencing",
		"lara_result_queue",
	}, Queues())

	for _, s := range AllStages() {
		assert.Equal(t, s.String(), s.Queue())
		assert.True(t, s.Valid())
	}
	assert.False(t, StageUnknown.Valid())
	assert.Equal(t, "unknown", StageUnknown.String())
}

func TestStage_JSON(t *testing.T) {
	type wrapper struct {
		Stage Stage `json:"stage"`
	}

	data, err := json.Marshal(wrapper{Stage: GeoReferencing})
	require.NoError(t, err)
	assert.JSONEq(t, `{"stage":"geo_referencing"}`, string(data))

	var w wrapper
	require.NoError(t, json.Unmarshal([]byte(`{"stage":"points"}`), &w))
	assert.Equal(t, PointExtraction, w.Stage)

	assert.Error(t, json.Unmarshal([]byte(`{"stage":"bogus"}`), &w))

	_, err = json.Marshal(wrapper{})
	assert.Error(t, err)
}
