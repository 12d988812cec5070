package wire

import "io"

// WriteUint32 and ReadUint32 expose the codec's little-endian integer
// framing for the bare u32 response bodies used by the control-plane
// opcodes (REGISTER_TASK, DEREGISTER_TASK, GET_TASK_STATUS, GET_NUM_CONNS,
// GET_NUM_UPDATES): every one of those responses is, on the wire, nothing
// more than a single u32.
func WriteUint32(w io.Writer, v uint32) error {
	return writeUint32(w, v)
}

func ReadUint32(r io.Reader) (uint32, error) {
	return readUint32(r)
}

// KeyWidth is the fixed width of a key-value side-store key (spec §3: "a
// bound, e.g. 32 bytes, null-padded").
const KeyWidth = 32

// RegisterTaskRequest is REGISTER_TASK's payload: (task_id, remaining_seconds).
type RegisterTaskRequest struct {
	TaskID           uint32
	RemainingSeconds int32
}

func EncodeRegisterTaskRequest(w io.Writer, req RegisterTaskRequest) error {
	if err := writeUint32(w, req.TaskID); err != nil {
		return err
	}
	return writeUint32(w, uint32(req.RemainingSeconds))
}

func DecodeRegisterTaskRequest(r io.Reader) (RegisterTaskRequest, error) {
	taskID, err := readUint32(r)
	if err != nil {
		return RegisterTaskRequest{}, NewIoError("read register_task task_id", err)
	}
	remaining, err := readInt32(r)
	if err != nil {
		return RegisterTaskRequest{}, NewIoError("read register_task remaining_seconds", err)
	}
	return RegisterTaskRequest{TaskID: taskID, RemainingSeconds: remaining}, nil
}

// TaskStatusUpdate is SET_TASK_STATUS's payload: (task_id, status).
type TaskStatusUpdate struct {
	TaskID uint32
	Status uint32
}

func EncodeTaskStatusUpdate(w io.Writer, upd TaskStatusUpdate) error {
	if err := writeUint32(w, upd.TaskID); err != nil {
		return err
	}
	return writeUint32(w, upd.Status)
}

func DecodeTaskStatusUpdate(r io.Reader) (TaskStatusUpdate, error) {
	taskID, err := readUint32(r)
	if err != nil {
		return TaskStatusUpdate{}, NewIoError("read set_task_status task_id", err)
	}
	status, err := readUint32(r)
	if err != nil {
		return TaskStatusUpdate{}, NewIoError("read set_task_status status", err)
	}
	return TaskStatusUpdate{TaskID: taskID, Status: status}, nil
}

// EncodeTaskID / DecodeTaskID cover the single-task_id payloads used by
// GET_TASK_STATUS and DEREGISTER_TASK.
func EncodeTaskID(w io.Writer, taskID uint32) error {
	return writeUint32(w, taskID)
}

func DecodeTaskID(r io.Reader) (uint32, error) {
	taskID, err := readUint32(r)
	if err != nil {
		return 0, NewIoError("read task_id", err)
	}
	return taskID, nil
}

// Key is a fixed-width, null-padded key-value side-store key.
type Key [KeyWidth]byte

// NewKey pads or truncates a key string to the fixed key width.
func NewKey(s string) Key {
	var k Key
	n := copy(k[:], s)
	_ = n
	return k
}

// String trims trailing NUL padding.
func (k Key) String() string {
	n := len(k)
	for n > 0 && k[n-1] == 0 {
		n--
	}
	return string(k[:n])
}

func writeKey(w io.Writer, k Key) error {
	_, err := w.Write(k[:])
	return err
}

func readKey(r io.Reader) (Key, error) {
	var k Key
	if _, err := io.ReadFull(r, k[:]); err != nil {
		return Key{}, NewIoError("read key", err)
	}
	return k, nil
}

// SetValueRequest is SET_VALUE's payload: (key, value_size, value_bytes).
type SetValueRequest struct {
	Key   Key
	Value []byte
}

func EncodeSetValueRequest(w io.Writer, req SetValueRequest) error {
	if err := writeKey(w, req.Key); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(len(req.Value))); err != nil {
		return err
	}
	_, err := w.Write(req.Value)
	return err
}

// ReadSetValueBody reads a SET_VALUE request's self-describing body
// directly off the wire (key || value_size:u32 || value) with no generic
// payload_size prefix - spec §4.1 frames only the four variable-payload
// opcodes that way, and SET_VALUE's own value_size field already tells the
// reader how much follows. The returned bytes are in the same layout
// DecodeSetValueRequest expects.
func ReadSetValueBody(r io.Reader) ([]byte, error) {
	key, err := readKey(r)
	if err != nil {
		return nil, err
	}
	size, err := readInt32(r)
	if err != nil {
		return nil, NewIoError("read set_value value_size", err)
	}
	if err := checkCount(size, "set_value value_size"); err != nil {
		return nil, err
	}
	buf := make([]byte, KeyWidth+4+int(size))
	copy(buf, key[:])
	byteOrder.PutUint32(buf[KeyWidth:], uint32(size))
	if _, err := io.ReadFull(r, buf[KeyWidth+4:]); err != nil {
		return nil, NewIoError("read set_value value", err)
	}
	return buf, nil
}

func DecodeSetValueRequest(r io.Reader) (SetValueRequest, error) {
	key, err := readKey(r)
	if err != nil {
		return SetValueRequest{}, err
	}
	size, err := readInt32(r)
	if err != nil {
		return SetValueRequest{}, NewIoError("read set_value value_size", err)
	}
	if err := checkCount(size, "set_value value_size"); err != nil {
		return SetValueRequest{}, err
	}
	value := make([]byte, size)
	if _, err := io.ReadFull(r, value); err != nil {
		return SetValueRequest{}, NewIoError("read set_value value", err)
	}
	return SetValueRequest{Key: key, Value: value}, nil
}

// EncodeGetValueRequest / DecodeGetValueRequest cover GET_VALUE's
// key-only payload.
func EncodeGetValueRequest(w io.Writer, key Key) error {
	return writeKey(w, key)
}

func DecodeGetValueRequest(r io.Reader) (Key, error) {
	return readKey(r)
}

// NotFoundMarker is GET_VALUE's entire not-found response: a single zero
// byte, with no further framing (spec §4.5, scenario S3). The caller
// writes this directly instead of calling EncodeGetValueResponse.
const NotFoundMarker = byte(0)

// EncodeGetValueResponse writes the found-value response: size:u32 ||
// value, with no leading marker - matching the reference's
// process_get_value (PSSparseServerTask.cpp) exactly, which writes the
// raw value_size straight onto the socket.
func EncodeGetValueResponse(w io.Writer, value []byte) error {
	if err := writeUint32(w, uint32(len(value))); err != nil {
		return err
	}
	_, err := w.Write(value)
	return err
}

// MFFullModel is the full snapshot of a matrix-factorization model, used by
// GET_MF_FULL_MODEL. The per-row arrays are parallel to id (row index).
type MFFullModel struct {
	GlobalBias  float32
	UserBias    []float32
	ItemBias    []float32
	UserFactors [][]float32
	ItemFactors [][]float32
}

// EncodeFullMFModel writes global_bias:F | num_users:i32 | num_items:i32 |
// k:i32 | (bias:F, factor*k) per user | (bias:F, factor*k) per item.
func EncodeFullMFModel(w io.Writer, m MFFullModel) error {
	if err := writeFloat32(w, m.GlobalBias); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(len(m.UserBias))); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(len(m.ItemBias))); err != nil {
		return err
	}
	k := 0
	if len(m.UserFactors) > 0 {
		k = len(m.UserFactors[0])
	} else if len(m.ItemFactors) > 0 {
		k = len(m.ItemFactors[0])
	}
	if err := writeUint32(w, uint32(k)); err != nil {
		return err
	}
	for i, bias := range m.UserBias {
		if err := writeFloat32(w, bias); err != nil {
			return err
		}
		for _, v := range m.UserFactors[i] {
			if err := writeFloat32(w, v); err != nil {
				return err
			}
		}
	}
	for i, bias := range m.ItemBias {
		if err := writeFloat32(w, bias); err != nil {
			return err
		}
		for _, v := range m.ItemFactors[i] {
			if err := writeFloat32(w, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// DecodeFullMFModel parses the form produced by EncodeFullMFModel.
func DecodeFullMFModel(r io.Reader) (MFFullModel, error) {
	globalBias, err := readFloat32(r)
	if err != nil {
		return MFFullModel{}, NewIoError("read mf full model global_bias", err)
	}
	numUsers, err := readInt32(r)
	if err != nil {
		return MFFullModel{}, NewIoError("read mf full model num_users", err)
	}
	if err := checkCount(numUsers, "mf full model num_users"); err != nil {
		return MFFullModel{}, err
	}
	numItems, err := readInt32(r)
	if err != nil {
		return MFFullModel{}, NewIoError("read mf full model num_items", err)
	}
	if err := checkCount(numItems, "mf full model num_items"); err != nil {
		return MFFullModel{}, err
	}
	k, err := readInt32(r)
	if err != nil {
		return MFFullModel{}, NewIoError("read mf full model k", err)
	}
	if err := checkCount(k, "mf full model k"); err != nil {
		return MFFullModel{}, err
	}

	readRows := func(n int32) ([]float32, [][]float32, error) {
		bias := make([]float32, n)
		factors := make([][]float32, n)
		for i := range bias {
			b, err := readFloat32(r)
			if err != nil {
				return nil, nil, NewIoError("read mf full model row bias", err)
			}
			bias[i] = b
			row := make([]float32, k)
			for j := range row {
				v, err := readFloat32(r)
				if err != nil {
					return nil, nil, NewIoError("read mf full model row factor", err)
				}
				row[j] = v
			}
			factors[i] = row
		}
		return bias, factors, nil
	}

	userBias, userFactors, err := readRows(numUsers)
	if err != nil {
		return MFFullModel{}, err
	}
	itemBias, itemFactors, err := readRows(numItems)
	if err != nil {
		return MFFullModel{}, err
	}

	return MFFullModel{
		GlobalBias:  globalBias,
		UserBias:    userBias,
		ItemBias:    itemBias,
		UserFactors: userFactors,
		ItemFactors: itemFactors,
	}, nil
}
