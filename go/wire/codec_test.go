package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeLRGradient_MatchesReferenceBytes(t *testing.T) {
	g := LRGradient{
		Version: 42,
		Weights: []IndexDelta{
			{Index: 3, Delta: 0.5},
			{Index: 7, Delta: -0.25},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, EncodeLRGradient(&buf, g))

	expected := []byte{
		0x2A, 0x00, 0x00, 0x00,
		0x02, 0x00, 0x00, 0x00,
		0x03, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x3F,
		0x07, 0x00, 0x00, 0x00, 0x00, 0x00, 0x80, 0xBE,
	}
	assert.Equal(t, expected, buf.Bytes())
}

func TestLRGradient_RoundTrip(t *testing.T) {
	g := LRGradient{
		Version: 7,
		Weights: []IndexDelta{{Index: 1, Delta: 1.5}, {Index: 99, Delta: -3}},
	}

	var buf bytes.Buffer
	require.NoError(t, EncodeLRGradient(&buf, g))

	got, err := DecodeLRGradient(&buf)
	require.NoError(t, err)
	assert.Equal(t, g, got)
}

func TestMFGradient_RoundTrip(t *testing.T) {
	k := 3
	g := MFGradient{
		UserIDs:         []uint32{1, 2},
		UserBiasDelta:   []float32{0.1, -0.2},
		ItemIDs:         []uint32{10},
		ItemBiasDelta:   []float32{0.3},
		UserFactorDelta: [][]float32{{1, 2, 3}, {4, 5, 6}},
		ItemFactorDelta: [][]float32{{7, 8, 9}},
	}

	var buf bytes.Buffer
	require.NoError(t, EncodeMFGradient(&buf, g, k))

	got, err := DecodeMFGradient(&buf, k)
	require.NoError(t, err)
	assert.Equal(t, g, got)
}

func TestDecodeMFGradient_RejectsBadStartMagic(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeUint32(&buf, 0xDEAD))
	_, err := DecodeMFGradient(&buf, 1)
	require.Error(t, err)
	var protoErr *ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

func TestBlob_RoundTrip(t *testing.T) {
	samples := []Sample{
		{Indices: []uint32{1, 5}, Values: []float32{0.5, -1.5}},
		{Indices: []uint32{2}, Values: []float32{3}},
	}
	labels := []float32{1.0, 0.0}

	encoded, err := EncodeBlob(samples, labels)
	require.NoError(t, err)

	var buf bytes.Buffer
	buf.Write(encoded)

	totalSize, err := readInt32(&buf)
	require.NoError(t, err)
	assert.Equal(t, int32(len(encoded)-4), totalSize)

	gotSamples, gotLabels, err := DecodeBlob(&buf, true)
	require.NoError(t, err)
	assert.Equal(t, samples, gotSamples)
	assert.Equal(t, labels, gotLabels)
}

func TestBlob_Unlabeled(t *testing.T) {
	samples := []Sample{{Indices: []uint32{9}, Values: []float32{42}}}

	encoded, err := EncodeBlob(samples, nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	buf.Write(encoded)
	_, err = readInt32(&buf) // consume total_size
	require.NoError(t, err)

	gotSamples, gotLabels, err := DecodeBlob(&buf, false)
	require.NoError(t, err)
	assert.Equal(t, samples, gotSamples)
	assert.Nil(t, gotLabels)
}

func TestDecodeLRGradient_RejectsOversizedCount(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeUint32(&buf, 1))
	require.NoError(t, writeUint32(&buf, MaxWireCount+1))
	_, err := DecodeLRGradient(&buf)
	require.Error(t, err)
	var protoErr *ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

func TestLRSliceRequestResponse_RoundTrip(t *testing.T) {
	indices := []uint32{3, 1, 7}
	var buf bytes.Buffer
	require.NoError(t, EncodeLRSliceRequest(&buf, indices))

	got, err := DecodeLRSliceRequest(&buf)
	require.NoError(t, err)
	assert.Equal(t, indices, got)

	weights := []float32{0.1, 0.2, 0.3}
	var respBuf bytes.Buffer
	require.NoError(t, EncodeLRSliceResponse(&respBuf, weights))
	gotWeights, err := DecodeLRSliceResponse(&respBuf, len(weights))
	require.NoError(t, err)
	assert.Equal(t, weights, gotWeights)
}

func TestMFSliceRequestResponse_RoundTrip(t *testing.T) {
	req := MFSliceRequest{BaseUserID: 100, MinibatchSize: 4, ItemIDs: []uint32{5, 6}}
	var buf bytes.Buffer
	require.NoError(t, EncodeMFSliceRequest(&buf, req))

	got, err := DecodeMFSliceRequest(&buf)
	require.NoError(t, err)
	assert.Equal(t, req, got)

	users := []MFEntry{{ID: 100, Bias: 0.1, Factors: []float32{1, 2}}}
	items := []MFEntry{{ID: 5, Bias: 0.2, Factors: []float32{3, 4}}, {ID: 6, Bias: 0.3, Factors: []float32{5, 6}}}
	var respBuf bytes.Buffer
	require.NoError(t, EncodeMFSliceResponse(&respBuf, users, items))

	gotUsers, gotItems, err := DecodeMFSliceResponse(&respBuf, len(users), len(items), 2)
	require.NoError(t, err)
	assert.Equal(t, users, gotUsers)
	assert.Equal(t, items, gotItems)
}

func TestFullLRModel_RoundTrip(t *testing.T) {
	weights := []float32{0, 1, -1, 3.5}
	var buf bytes.Buffer
	require.NoError(t, EncodeFullLRModel(&buf, weights))

	got, err := DecodeFullLRModel(&buf)
	require.NoError(t, err)
	assert.Equal(t, weights, got)
}
