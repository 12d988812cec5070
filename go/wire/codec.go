// Package wire implements the bit-exact wire codec for minibatch blobs,
// sparse gradients, sparse model slices, and full models (spec §4.1). All
// integers are little-endian int32; all feature/weight scalars are raw
// 4-byte IEEE-754 float32, never converted - the reference never converts
// either, it writes raw memory, so a portable reimplementation has to pin
// little-endian explicitly to keep blobs interchangeable across platforms.
package wire

import (
	"encoding/binary"
	"io"
	"math"
)

var byteOrder = binary.LittleEndian

func writeUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	byteOrder.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeFloat32(w io.Writer, v float32) error {
	return writeUint32(w, math.Float32bits(v))
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return byteOrder.Uint32(buf[:]), nil
}

func readInt32(r io.Reader) (int32, error) {
	v, err := readUint32(r)
	return int32(v), err
}

func readFloat32(r io.Reader) (float32, error) {
	v, err := readUint32(r)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

func checkCount(n int32, what string) error {
	if n < 0 || n > MaxWireCount {
		return NewProtocolError("%s out of range: %d", what, n)
	}
	return nil
}

// Sample is one sparse (index, value) ordered pair list, preserved in
// serialization order for checksumming even though order is immaterial to
// correctness.
type Sample struct {
	Indices []uint32
	Values  []float32
}

// IndexDelta is one (index, delta) pair of a sparse LR gradient.
type IndexDelta struct {
	Index uint32
	Delta float32
}

// LRGradient is an unordered set of (index, delta) pairs with distinct
// indices, stamped with the producing worker's monotonically increasing
// version counter.
type LRGradient struct {
	Version uint32
	Weights []IndexDelta
}

// EncodeLRGradient serializes g as version:i32 | num:i32 | (index:i32,delta:f32)*num.
func EncodeLRGradient(w io.Writer, g LRGradient) error {
	if err := writeUint32(w, g.Version); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(len(g.Weights))); err != nil {
		return err
	}
	for _, wd := range g.Weights {
		if err := writeUint32(w, wd.Index); err != nil {
			return err
		}
		if err := writeFloat32(w, wd.Delta); err != nil {
			return err
		}
	}
	return nil
}

// DecodeLRGradient parses the wire form produced by EncodeLRGradient.
func DecodeLRGradient(r io.Reader) (LRGradient, error) {
	version, err := readUint32(r)
	if err != nil {
		return LRGradient{}, NewIoError("read LR gradient version", err)
	}
	num, err := readInt32(r)
	if err != nil {
		return LRGradient{}, NewIoError("read LR gradient count", err)
	}
	if err := checkCount(num, "LR gradient num"); err != nil {
		return LRGradient{}, err
	}

	weights := make([]IndexDelta, num)
	for i := range weights {
		idx, err := readUint32(r)
		if err != nil {
			return LRGradient{}, NewIoError("read LR gradient index", err)
		}
		delta, err := readFloat32(r)
		if err != nil {
			return LRGradient{}, NewIoError("read LR gradient delta", err)
		}
		weights[i] = IndexDelta{Index: idx, Delta: delta}
	}
	return LRGradient{Version: version, Weights: weights}, nil
}

// MFGradient holds bias and factor deltas for both sides of a matrix
// factorization update. UserIDs/ItemIDs establish the order shared between
// the bias slice and the factor slice for that side - the bias map and the
// factor list for each side carry the same set of ids, in the same order.
type MFGradient struct {
	UserIDs         []uint32
	UserBiasDelta   []float32
	ItemIDs         []uint32
	ItemBiasDelta   []float32
	UserFactorDelta [][]float32 // len(UserIDs) vectors of length K
	ItemFactorDelta [][]float32 // len(ItemIDs) vectors of length K
}

// EncodeMFGradient serializes g bracketed by the MF magic constants.
func EncodeMFGradient(w io.Writer, g MFGradient, k int) error {
	if err := writeUint32(w, MFGradientStartMagic); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(len(g.UserIDs))); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(len(g.ItemIDs))); err != nil {
		return err
	}
	for i, id := range g.UserIDs {
		if err := writeUint32(w, id); err != nil {
			return err
		}
		if err := writeFloat32(w, g.UserBiasDelta[i]); err != nil {
			return err
		}
	}
	for i, id := range g.ItemIDs {
		if err := writeUint32(w, id); err != nil {
			return err
		}
		if err := writeFloat32(w, g.ItemBiasDelta[i]); err != nil {
			return err
		}
	}
	for _, factors := range g.UserFactorDelta {
		for j := 0; j < k; j++ {
			if err := writeFloat32(w, factors[j]); err != nil {
				return err
			}
		}
	}
	for _, factors := range g.ItemFactorDelta {
		for j := 0; j < k; j++ {
			if err := writeFloat32(w, factors[j]); err != nil {
				return err
			}
		}
	}
	return writeUint32(w, MFGradientEndMagic)
}

// DecodeMFGradient parses the wire form produced by EncodeMFGradient. k is
// the model's configured number of latent factors - it is not carried on
// the wire.
func DecodeMFGradient(r io.Reader, k int) (MFGradient, error) {
	startMagic, err := readUint32(r)
	if err != nil {
		return MFGradient{}, NewIoError("read MF gradient start magic", err)
	}
	if startMagic != MFGradientStartMagic {
		return MFGradient{}, NewProtocolError("MF gradient start magic mismatch: got 0x%x", startMagic)
	}

	numUsers, err := readInt32(r)
	if err != nil {
		return MFGradient{}, NewIoError("read MF gradient num_users", err)
	}
	if err := checkCount(numUsers, "MF gradient num_users"); err != nil {
		return MFGradient{}, err
	}
	numItems, err := readInt32(r)
	if err != nil {
		return MFGradient{}, NewIoError("read MF gradient num_items", err)
	}
	if err := checkCount(numItems, "MF gradient num_items"); err != nil {
		return MFGradient{}, err
	}

	g := MFGradient{
		UserIDs:         make([]uint32, numUsers),
		UserBiasDelta:   make([]float32, numUsers),
		ItemIDs:         make([]uint32, numItems),
		ItemBiasDelta:   make([]float32, numItems),
		UserFactorDelta: make([][]float32, numUsers),
		ItemFactorDelta: make([][]float32, numItems),
	}

	for i := range g.UserIDs {
		id, err := readUint32(r)
		if err != nil {
			return MFGradient{}, NewIoError("read MF gradient user id", err)
		}
		delta, err := readFloat32(r)
		if err != nil {
			return MFGradient{}, NewIoError("read MF gradient user bias delta", err)
		}
		g.UserIDs[i], g.UserBiasDelta[i] = id, delta
	}
	for i := range g.ItemIDs {
		id, err := readUint32(r)
		if err != nil {
			return MFGradient{}, NewIoError("read MF gradient item id", err)
		}
		delta, err := readFloat32(r)
		if err != nil {
			return MFGradient{}, NewIoError("read MF gradient item bias delta", err)
		}
		g.ItemIDs[i], g.ItemBiasDelta[i] = id, delta
	}
	for i := range g.UserFactorDelta {
		factors := make([]float32, k)
		for j := 0; j < k; j++ {
			v, err := readFloat32(r)
			if err != nil {
				return MFGradient{}, NewIoError("read MF gradient user factor", err)
			}
			factors[j] = v
		}
		g.UserFactorDelta[i] = factors
	}
	for i := range g.ItemFactorDelta {
		factors := make([]float32, k)
		for j := 0; j < k; j++ {
			v, err := readFloat32(r)
			if err != nil {
				return MFGradient{}, NewIoError("read MF gradient item factor", err)
			}
			factors[j] = v
		}
		g.ItemFactorDelta[i] = factors
	}

	endMagic, err := readUint32(r)
	if err != nil {
		return MFGradient{}, NewIoError("read MF gradient end magic", err)
	}
	if endMagic != MFGradientEndMagic {
		return MFGradient{}, NewProtocolError("MF gradient end magic mismatch: got 0x%x", endMagic)
	}
	return g, nil
}

// DecodeBlob parses an object-store minibatch blob's payload (everything
// after the total_size prefix) into a flat run of samples, optionally
// paired with labels. The caller (the iterator) is responsible for slicing
// the flat run into minibatch_size chunks and for keeping the backing bytes
// alive for as long as any derived sample/label slice is in use.
func DecodeBlob(r io.Reader, labeled bool) (samples []Sample, labels []float32, err error) {
	numSamples, err := readInt32(r)
	if err != nil {
		return nil, nil, NewIoError("read blob num_samples", err)
	}
	if err := checkCount(numSamples, "blob num_samples"); err != nil {
		return nil, nil, err
	}

	samples = make([]Sample, numSamples)
	if labeled {
		labels = make([]float32, numSamples)
	}

	for i := range samples {
		if labeled {
			label, err := readFloat32(r)
			if err != nil {
				return nil, nil, NewIoError("read blob label", err)
			}
			labels[i] = label
		}

		numValues, err := readInt32(r)
		if err != nil {
			return nil, nil, NewIoError("read blob num_values", err)
		}
		if err := checkCount(numValues, "blob num_values"); err != nil {
			return nil, nil, err
		}

		s := Sample{
			Indices: make([]uint32, numValues),
			Values:  make([]float32, numValues),
		}
		for j := 0; j < int(numValues); j++ {
			idx, err := readUint32(r)
			if err != nil {
				return nil, nil, NewIoError("read blob index", err)
			}
			val, err := readFloat32(r)
			if err != nil {
				return nil, nil, NewIoError("read blob value", err)
			}
			s.Indices[j] = idx
			s.Values[j] = val
		}
		samples[i] = s
	}
	return samples, labels, nil
}

// EncodeBlob is the inverse of DecodeBlob, used by tooling that writes
// fixture blobs for tests. The returned bytes include the total_size
// prefix, matching the object-store payload format exactly.
func EncodeBlob(samples []Sample, labels []float32) ([]byte, error) {
	labeled := labels != nil
	body := newCountingBuffer()

	if err := writeUint32(body, uint32(len(samples))); err != nil {
		return nil, err
	}
	for i, s := range samples {
		if labeled {
			if err := writeFloat32(body, labels[i]); err != nil {
				return nil, err
			}
		}
		if err := writeUint32(body, uint32(len(s.Indices))); err != nil {
			return nil, err
		}
		for j := range s.Indices {
			if err := writeUint32(body, s.Indices[j]); err != nil {
				return nil, err
			}
			if err := writeFloat32(body, s.Values[j]); err != nil {
				return nil, err
			}
		}
	}

	out := newCountingBuffer()
	if err := writeUint32(out, uint32(body.Len())); err != nil {
		return nil, err
	}
	out.buf = append(out.buf, body.buf...)
	return out.buf, nil
}

// Minibatch is a fixed-size ordered list of sparse samples, optionally
// paired with labels, processed as one gradient step.
type Minibatch struct {
	Samples []Sample
	Labels  []float32 // nil if this minibatch's blob class is unlabeled
}

// ChunkBlob splits a blob's flat decoded sample/label run into minibatchSize
// chunks, in order. A blob must decode to an exact multiple of
// minibatchSize samples - any remainder is a malformed blob and is reported
// as a ProtocolError rather than silently dropped or padded.
func ChunkBlob(samples []Sample, labels []float32, minibatchSize int) ([]Minibatch, error) {
	if minibatchSize <= 0 {
		return nil, NewProtocolError("minibatch size must be positive, got %d", minibatchSize)
	}
	if len(samples)%minibatchSize != 0 {
		return nil, NewProtocolError("blob sample count %d is not a multiple of minibatch size %d", len(samples), minibatchSize)
	}

	numMinibatches := len(samples) / minibatchSize
	minibatches := make([]Minibatch, numMinibatches)
	for i := 0; i < numMinibatches; i++ {
		start, end := i*minibatchSize, (i+1)*minibatchSize
		mb := Minibatch{Samples: samples[start:end]}
		if labels != nil {
			mb.Labels = labels[start:end]
		}
		minibatches[i] = mb
	}
	return minibatches, nil
}

// EncodeFullLRModel serializes a dense weight vector as
// num_weights:i32 | F*num_weights.
func EncodeFullLRModel(w io.Writer, weights []float32) error {
	if err := writeUint32(w, uint32(len(weights))); err != nil {
		return err
	}
	for _, v := range weights {
		if err := writeFloat32(w, v); err != nil {
			return err
		}
	}
	return nil
}

// DecodeFullLRModel parses the form produced by EncodeFullLRModel.
func DecodeFullLRModel(r io.Reader) ([]float32, error) {
	num, err := readInt32(r)
	if err != nil {
		return nil, NewIoError("read full model num_weights", err)
	}
	if err := checkCount(num, "full model num_weights"); err != nil {
		return nil, err
	}
	weights := make([]float32, num)
	for i := range weights {
		v, err := readFloat32(r)
		if err != nil {
			return nil, NewIoError("read full model weight", err)
		}
		weights[i] = v
	}
	return weights, nil
}

// EncodeLRSliceRequest serializes num_indices:i32 | index*i32.
func EncodeLRSliceRequest(w io.Writer, indices []uint32) error {
	if err := writeUint32(w, uint32(len(indices))); err != nil {
		return err
	}
	for _, idx := range indices {
		if err := writeUint32(w, idx); err != nil {
			return err
		}
	}
	return nil
}

// DecodeLRSliceRequest parses the form produced by EncodeLRSliceRequest.
func DecodeLRSliceRequest(r io.Reader) ([]uint32, error) {
	num, err := readInt32(r)
	if err != nil {
		return nil, NewIoError("read sparse model num_indices", err)
	}
	if err := checkCount(num, "sparse model num_indices"); err != nil {
		return nil, err
	}
	indices := make([]uint32, num)
	for i := range indices {
		idx, err := readUint32(r)
		if err != nil {
			return nil, NewIoError("read sparse model index", err)
		}
		indices[i] = idx
	}
	return indices, nil
}

// EncodeLRSliceResponse writes F*len(weights) in request order, with no
// indices echoed back.
func EncodeLRSliceResponse(w io.Writer, weights []float32) error {
	for _, v := range weights {
		if err := writeFloat32(w, v); err != nil {
			return err
		}
	}
	return nil
}

// DecodeLRSliceResponse reads exactly numIndices floats.
func DecodeLRSliceResponse(r io.Reader, numIndices int) ([]float32, error) {
	weights := make([]float32, numIndices)
	for i := range weights {
		v, err := readFloat32(r)
		if err != nil {
			return nil, NewIoError("read sparse model response weight", err)
		}
		weights[i] = v
	}
	return weights, nil
}

// MFSliceRequest is the sparse MF "get model" request body.
type MFSliceRequest struct {
	BaseUserID    uint32
	MinibatchSize uint32
	ItemIDs       []uint32
}

// EncodeMFSliceRequest writes
// k_items:i32 | base_user_id:i32 | minibatch_size:i32 | MAGIC:i32 | item_id*k_items.
func EncodeMFSliceRequest(w io.Writer, req MFSliceRequest) error {
	if err := writeUint32(w, uint32(len(req.ItemIDs))); err != nil {
		return err
	}
	if err := writeUint32(w, req.BaseUserID); err != nil {
		return err
	}
	if err := writeUint32(w, req.MinibatchSize); err != nil {
		return err
	}
	if err := writeUint32(w, MFGradientStartMagic); err != nil {
		return err
	}
	for _, id := range req.ItemIDs {
		if err := writeUint32(w, id); err != nil {
			return err
		}
	}
	return nil
}

// DecodeMFSliceRequest parses the form produced by EncodeMFSliceRequest.
func DecodeMFSliceRequest(r io.Reader) (MFSliceRequest, error) {
	kItems, err := readInt32(r)
	if err != nil {
		return MFSliceRequest{}, NewIoError("read MF slice request k_items", err)
	}
	if err := checkCount(kItems, "MF slice request k_items"); err != nil {
		return MFSliceRequest{}, err
	}
	baseUser, err := readUint32(r)
	if err != nil {
		return MFSliceRequest{}, NewIoError("read MF slice request base_user_id", err)
	}
	minibatchSize, err := readUint32(r)
	if err != nil {
		return MFSliceRequest{}, NewIoError("read MF slice request minibatch_size", err)
	}
	magic, err := readUint32(r)
	if err != nil {
		return MFSliceRequest{}, NewIoError("read MF slice request magic", err)
	}
	if magic != MFGradientStartMagic {
		return MFSliceRequest{}, NewProtocolError("MF slice request magic mismatch: got 0x%x", magic)
	}

	itemIDs := make([]uint32, kItems)
	for i := range itemIDs {
		id, err := readUint32(r)
		if err != nil {
			return MFSliceRequest{}, NewIoError("read MF slice request item id", err)
		}
		itemIDs[i] = id
	}
	return MFSliceRequest{BaseUserID: baseUser, MinibatchSize: minibatchSize, ItemIDs: itemIDs}, nil
}

// MFEntry is one (id, bias, factor vector) record in an MF slice response.
type MFEntry struct {
	ID      uint32
	Bias    float32
	Factors []float32
}

// EncodeMFSliceResponse writes minibatch_size user records followed by
// len(items) item records, each id:i32,bias:f32,factor*K.
func EncodeMFSliceResponse(w io.Writer, users, items []MFEntry) error {
	for _, entries := range [][]MFEntry{users, items} {
		for _, e := range entries {
			if err := writeUint32(w, e.ID); err != nil {
				return err
			}
			if err := writeFloat32(w, e.Bias); err != nil {
				return err
			}
			for _, v := range e.Factors {
				if err := writeFloat32(w, v); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// DecodeMFSliceResponse reads numUsers user records and numItems item
// records, each carrying k factors.
func DecodeMFSliceResponse(r io.Reader, numUsers, numItems, k int) (users, items []MFEntry, err error) {
	readEntries := func(n int) ([]MFEntry, error) {
		entries := make([]MFEntry, n)
		for i := range entries {
			id, err := readUint32(r)
			if err != nil {
				return nil, NewIoError("read MF slice response id", err)
			}
			bias, err := readFloat32(r)
			if err != nil {
				return nil, NewIoError("read MF slice response bias", err)
			}
			factors := make([]float32, k)
			for j := 0; j < k; j++ {
				v, err := readFloat32(r)
				if err != nil {
					return nil, NewIoError("read MF slice response factor", err)
				}
				factors[j] = v
			}
			entries[i] = MFEntry{ID: id, Bias: bias, Factors: factors}
		}
		return entries, nil
	}

	users, err = readEntries(numUsers)
	if err != nil {
		return nil, nil, err
	}
	items, err = readEntries(numItems)
	if err != nil {
		return nil, nil, err
	}
	return users, items, nil
}

// countingBuffer is a tiny byte-accumulating io.Writer used when a
// []byte result is needed (EncodeBlob writes a length prefix it cannot
// know until the body is fully serialized).
type countingBuffer struct {
	buf []byte
}

func newCountingBuffer() *countingBuffer {
	return &countingBuffer{buf: make([]byte, 0, 256)}
}

func (b *countingBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *countingBuffer) Len() int {
	return len(b.buf)
}
