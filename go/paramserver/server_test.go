package paramserver

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/muchq/sparsehash/go/resilience4g/rate_limit"
	"github.com/muchq/sparsehash/go/sparsemodel"
	"github.com/muchq/sparsehash/go/wire"
)

func startTestServer(t *testing.T, cfg Config) (addr string, shutdown func()) {
	t.Helper()
	cfg.Addr = "127.0.0.1:0"
	if cfg.NumWorkers == 0 {
		cfg.NumWorkers = 2
	}
	s := New(cfg)

	ln, err := net.Listen("tcp", cfg.Addr)
	require.NoError(t, err)
	s.listener = ln

	done := make(chan struct{})
	go func() {
		for i := 0; i < s.cfg.NumWorkers; i++ {
			s.wg.Add(1)
			go s.workerLoop()
		}
		s.wg.Add(1)
		go s.watchdogLoop()
		s.acceptLoop(ln)
		s.wg.Wait()
		close(done)
	}()

	return ln.Addr().String(), func() {
		s.Shutdown()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("server did not shut down")
		}
	}
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	return conn
}

func TestServer_SetValueGetValue_S3(t *testing.T) {
	addr, shutdown := startTestServer(t, Config{})
	defer shutdown()
	conn := dial(t, addr)
	defer conn.Close()

	key := wire.NewKey("answer")

	var setBody bytes.Buffer
	require.NoError(t, wire.EncodeSetValueRequest(&setBody, wire.SetValueRequest{Key: key, Value: []byte{0x2A}}))
	sendRequest(t, conn, wire.SetValue, setBody.Bytes())

	var getBody bytes.Buffer
	require.NoError(t, wire.EncodeGetValueRequest(&getBody, key))
	sendRequest(t, conn, wire.GetValue, getBody.Bytes())

	size, err := wire.ReadUint32(conn)
	require.NoError(t, err)
	require.EqualValues(t, 1, size)

	value := make([]byte, size)
	_, err = io.ReadFull(conn, value)
	require.NoError(t, err)
	require.Equal(t, byte(0x2A), value[0])
}

func TestServer_GetValue_MissingKey_S3(t *testing.T) {
	addr, shutdown := startTestServer(t, Config{})
	defer shutdown()
	conn := dial(t, addr)
	defer conn.Close()

	var getBody bytes.Buffer
	require.NoError(t, wire.EncodeGetValueRequest(&getBody, wire.NewKey("missing")))
	sendRequest(t, conn, wire.GetValue, getBody.Bytes())

	resp := make([]byte, 1)
	_, err := io.ReadFull(conn, resp)
	require.NoError(t, err)
	require.Equal(t, wire.NotFoundMarker, resp[0])
}

func TestServer_RegisterDeregisterTask_OverWire_S2(t *testing.T) {
	addr, shutdown := startTestServer(t, Config{})
	defer shutdown()
	conn := dial(t, addr)
	defer conn.Close()

	registerResult := func(taskID uint32, remaining int32) uint32 {
		var body bytes.Buffer
		require.NoError(t, wire.EncodeRegisterTaskRequest(&body, wire.RegisterTaskRequest{TaskID: taskID, RemainingSeconds: remaining}))
		sendRequest(t, conn, wire.RegisterTask, body.Bytes())
		v, err := wire.ReadUint32(conn)
		require.NoError(t, err)
		return v
	}
	deregisterResult := func(taskID uint32) uint32 {
		var body bytes.Buffer
		require.NoError(t, wire.EncodeTaskID(&body, taskID))
		sendRequest(t, conn, wire.DeregisterTask, body.Bytes())
		v, err := wire.ReadUint32(conn)
		require.NoError(t, err)
		return v
	}

	require.EqualValues(t, 0, registerResult(17, 100))
	require.EqualValues(t, 1, registerResult(17, 100))
	require.EqualValues(t, 0, deregisterResult(17))
	require.EqualValues(t, 2, deregisterResult(99))
}

func TestServer_LRGradient_SGD_SparseSlice_S4(t *testing.T) {
	lr := sparsemodel.NewLRModel(sparsemodel.LRConfig{
		Bits:         4,
		Rule:         sparsemodel.SGD,
		LearningRate: 0.1,
	})
	addr, shutdown := startTestServer(t, Config{LRModel: lr})
	defer shutdown()
	conn := dial(t, addr)
	defer conn.Close()

	var gradBody bytes.Buffer
	require.NoError(t, wire.EncodeLRGradient(&gradBody, wire.LRGradient{
		Version: 1,
		Weights: []wire.IndexDelta{{Index: 5, Delta: 1.0}},
	}))
	sendRequest(t, conn, wire.SendLRGradient, gradBody.Bytes())

	// SEND_LR_GRADIENT has no response, but this connection's read loop
	// never reads the next request until the current job's done channel
	// fires, so the slice read below is guaranteed to observe the gradient
	// already applied.
	var sliceReq bytes.Buffer
	require.NoError(t, wire.EncodeLRSliceRequest(&sliceReq, []uint32{5, 6}))
	sendRequest(t, conn, wire.GetLRSparseModel, sliceReq.Bytes())

	weights, err := wire.DecodeLRSliceResponse(conn, 2)
	require.NoError(t, err)
	require.InDelta(t, 0.1, weights[0], 1e-6)
	require.InDelta(t, 0.0, weights[1], 1e-6)
}

func TestServer_GetNumConns(t *testing.T) {
	addr, shutdown := startTestServer(t, Config{})
	defer shutdown()
	conn := dial(t, addr)
	defer conn.Close()

	sendRequest(t, conn, wire.GetNumConns, nil)
	v, err := wire.ReadUint32(conn)
	require.NoError(t, err)
	require.EqualValues(t, 1, v)
}

func TestServer_ConnRateLimiter_RejectsOverBudgetConnections(t *testing.T) {
	limiter, err := (rate_limit.TokenBucketRateLimiterFactory{}).NewRateLimiter(
		&rate_limit.DefaultRateLimitConfig{MaxTokens: 1, RefillRate: 1, OpCost: 1})
	require.NoError(t, err)

	addr, shutdown := startTestServer(t, Config{ConnRateLimiter: limiter})
	defer shutdown()

	first := dial(t, addr)
	defer first.Close()
	sendRequest(t, first, wire.GetNumConns, nil)
	v, err := wire.ReadUint32(first)
	require.NoError(t, err)
	require.EqualValues(t, 1, v)

	second := dial(t, addr)
	defer second.Close()
	buf := make([]byte, 1)
	_, err = second.Read(buf)
	require.Error(t, err) // rejected connection is closed without a response
}

// sendRequest writes opcode || [payload_size] || payload, matching the
// server's read loop: a payload_size prefix only for the four
// variable-payload opcodes (wire.Opcode.SizePrefixed); every other
// opcode's body, if any, goes straight on the wire.
func sendRequest(t *testing.T, conn net.Conn, opcode wire.Opcode, payload []byte) {
	t.Helper()
	require.NoError(t, wire.WriteOpcode(conn, opcode))
	if opcode.SizePrefixed() {
		require.NoError(t, wire.WritePayloadSize(conn, uint32(len(payload))))
	}
	if len(payload) > 0 {
		_, err := conn.Write(payload)
		require.NoError(t, err)
	}
}
