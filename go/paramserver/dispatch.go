package paramserver

import (
	"bytes"
	"net"

	"github.com/muchq/sparsehash/go/wire"
)

// job is one dequeued request awaiting a worker goroutine. closeConn tells
// the owning connection's read loop to stop reading after this job
// completes (set by KILL_SIGNAL and by any handler that hits a protocol
// violation severe enough to drop the connection).
type job struct {
	conn    net.Conn
	opcode  wire.Opcode
	payload []byte
	done    chan struct{}

	closeConn bool
}

// opcodeFixedBodySize returns the number of body bytes to read directly,
// with no size prefix, for opcodes with a static wire layout - matching
// process_register_task, process_set_task_status, process_get_task_status,
// process_deregister_task, and process_get_value in the reference, none of
// which read a leading size field. ok is false for opcodes with no body, a
// size-prefixed body (see wire.Opcode.SizePrefixed), or SET_VALUE's
// self-describing body (wire.ReadSetValueBody reads that one directly).
func opcodeFixedBodySize(op wire.Opcode) (size int, ok bool) {
	switch op {
	case wire.RegisterTask, wire.SetTaskStatus:
		return 8, true
	case wire.DeregisterTask, wire.GetTaskStatus:
		return 4, true
	case wire.GetValue:
		return wire.KeyWidth, true
	default:
		return 0, false
	}
}

// dispatch routes a job to its handler by opcode, matching the design note
// to prefer a tagged-variant/handler-table over a class hierarchy (spec
// §9). GET_LAST_TIME_ERROR and GET_ALL_TIME_ERROR are reserved: the
// reference never implements a server-side handler for either, so both are
// handled the way a protocol violation is: logged, and the connection
// closed without a response.
func (s *Server) dispatch(j *job) {
	switch j.opcode {
	case wire.SendLRGradient:
		s.handleSendLRGradient(j)
	case wire.SendMFGradient:
		s.handleSendMFGradient(j)
	case wire.GetLRFullModel:
		s.handleGetLRFullModel(j)
	case wire.GetMFFullModel:
		s.handleGetMFFullModel(j)
	case wire.GetLRSparseModel:
		s.handleGetLRSparseModel(j)
	case wire.GetMFSparseModel:
		s.handleGetMFSparseModel(j)
	case wire.SetTaskStatus:
		s.handleSetTaskStatus(j)
	case wire.GetTaskStatus:
		s.handleGetTaskStatus(j)
	case wire.GetNumConns:
		s.handleGetNumConns(j)
	case wire.GetNumUpdates:
		s.handleGetNumUpdates(j)
	case wire.RegisterTask:
		s.handleRegisterTask(j)
	case wire.DeregisterTask:
		s.handleDeregisterTask(j)
	case wire.SetValue:
		s.handleSetValue(j)
	case wire.GetValue:
		s.handleGetValue(j)
	case wire.KillSignal:
		s.handleKillSignal(j)
	case wire.GetLastTimeError, wire.GetAllTimeError:
		s.log.Warn("reserved opcode used, closing connection", "opcode", j.opcode)
		j.closeConn = true
	default:
		s.log.Warn("unknown opcode, closing connection", "opcode", j.opcode)
		j.closeConn = true
	}
}

func (s *Server) handleSendLRGradient(j *job) {
	if s.lrModel == nil {
		s.log.Warn("SEND_LR_GRADIENT with no LR model configured")
		j.closeConn = true
		return
	}
	g, err := wire.DecodeLRGradient(bytes.NewReader(j.payload))
	if err != nil {
		s.log.Warn("malformed LR gradient, closing connection", "error", err)
		j.closeConn = true
		return
	}
	if err := s.lrModel.ApplySparse(g); err != nil {
		s.log.Warn("LR gradient rejected, closing connection", "error", err)
		j.closeConn = true
		return
	}
	s.incrementUpdates()
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.GradientsApplied.WithLabelValues("lr").Inc()
	}
}

func (s *Server) handleSendMFGradient(j *job) {
	if s.mfModel == nil {
		s.log.Warn("SEND_MF_GRADIENT with no MF model configured")
		j.closeConn = true
		return
	}
	g, err := wire.DecodeMFGradient(bytes.NewReader(j.payload), s.mfModel.K())
	if err != nil {
		s.log.Warn("malformed MF gradient, closing connection", "error", err)
		j.closeConn = true
		return
	}
	if err := s.mfModel.ApplySparse(g); err != nil {
		s.log.Warn("MF gradient rejected, closing connection", "error", err)
		j.closeConn = true
		return
	}
	s.incrementUpdates()
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.GradientsApplied.WithLabelValues("mf").Inc()
	}
}

func (s *Server) handleGetLRFullModel(j *job) {
	if s.lrModel == nil {
		j.closeConn = true
		return
	}
	weights := s.lrModel.SerializeFull()
	if err := wire.EncodeFullLRModel(j.conn, weights); err != nil {
		j.closeConn = true
	}
}

func (s *Server) handleGetMFFullModel(j *job) {
	if s.mfModel == nil {
		j.closeConn = true
		return
	}
	snap := s.mfModel.SerializeFull()
	full := wire.MFFullModel{
		GlobalBias:  snap.GlobalBias,
		UserBias:    snap.UserBias,
		ItemBias:    snap.ItemBias,
		UserFactors: snap.UserFactors,
		ItemFactors: snap.ItemFactors,
	}

	var buf bytes.Buffer
	if err := wire.EncodeFullMFModel(&buf, full); err != nil {
		j.closeConn = true
		return
	}
	if err := wire.WritePayloadSize(j.conn, uint32(buf.Len())); err != nil {
		j.closeConn = true
		return
	}
	if _, err := j.conn.Write(buf.Bytes()); err != nil {
		j.closeConn = true
	}
}

func (s *Server) handleGetLRSparseModel(j *job) {
	if s.lrModel == nil {
		j.closeConn = true
		return
	}
	indices, err := wire.DecodeLRSliceRequest(bytes.NewReader(j.payload))
	if err != nil {
		j.closeConn = true
		return
	}
	if len(indices)*4 > wire.MaxSparseResponseBytes {
		s.log.Warn("sparse slice request too large, closing connection", "num_indices", len(indices))
		j.closeConn = true
		return
	}
	weights := s.lrModel.ReadSlice(indices)
	if err := wire.EncodeLRSliceResponse(j.conn, weights); err != nil {
		j.closeConn = true
	}
}

func (s *Server) handleGetMFSparseModel(j *job) {
	if s.mfModel == nil {
		j.closeConn = true
		return
	}
	req, err := wire.DecodeMFSliceRequest(bytes.NewReader(j.payload))
	if err != nil {
		j.closeConn = true
		return
	}
	entryBytes := 8 + 4*s.mfModel.K() // id, bias, K factors
	if (int(req.MinibatchSize)+len(req.ItemIDs))*entryBytes > wire.MaxSparseResponseBytes {
		s.log.Warn("MF sparse slice request too large, closing connection", "minibatch_size", req.MinibatchSize, "num_items", len(req.ItemIDs))
		j.closeConn = true
		return
	}
	users, items, err := s.mfModel.ReadSlice(req.BaseUserID, req.MinibatchSize, req.ItemIDs)
	if err != nil {
		s.log.Warn("MF sparse slice request rejected, closing connection", "error", err)
		j.closeConn = true
		return
	}
	if err := wire.EncodeMFSliceResponse(j.conn, users, items); err != nil {
		j.closeConn = true
	}
}

func (s *Server) handleSetTaskStatus(j *job) {
	r := bytes.NewReader(j.payload)
	upd, err := wire.DecodeTaskStatusUpdate(r)
	if err != nil {
		j.closeConn = true
		return
	}
	s.tasks.setStatus(upd.TaskID, upd.Status)
}

func (s *Server) handleGetTaskStatus(j *job) {
	r := bytes.NewReader(j.payload)
	taskID, err := wire.DecodeTaskID(r)
	if err != nil {
		j.closeConn = true
		return
	}
	status := s.tasks.getStatus(taskID)
	if err := wire.WriteUint32(j.conn, status); err != nil {
		j.closeConn = true
	}
}

func (s *Server) handleGetNumConns(j *job) {
	if err := wire.WriteUint32(j.conn, uint32(s.conns.count())); err != nil {
		j.closeConn = true
	}
}

func (s *Server) handleGetNumUpdates(j *job) {
	if err := wire.WriteUint32(j.conn, uint32(s.numUpdates())); err != nil {
		j.closeConn = true
	}
}

func (s *Server) handleRegisterTask(j *job) {
	r := bytes.NewReader(j.payload)
	req, err := wire.DecodeRegisterTaskRequest(r)
	if err != nil {
		j.closeConn = true
		return
	}
	result := s.tasks.register(req.TaskID, req.RemainingSeconds)
	if err := wire.WriteUint32(j.conn, result); err != nil {
		j.closeConn = true
	}
}

func (s *Server) handleDeregisterTask(j *job) {
	r := bytes.NewReader(j.payload)
	taskID, err := wire.DecodeTaskID(r)
	if err != nil {
		j.closeConn = true
		return
	}
	result := s.tasks.deregister(taskID)
	if err := wire.WriteUint32(j.conn, result); err != nil {
		j.closeConn = true
	}
}

func (s *Server) handleSetValue(j *job) {
	r := bytes.NewReader(j.payload)
	req, err := wire.DecodeSetValueRequest(r)
	if err != nil {
		j.closeConn = true
		return
	}
	s.kv.set(req.Key, req.Value)
}

func (s *Server) handleGetValue(j *job) {
	r := bytes.NewReader(j.payload)
	key, err := wire.DecodeGetValueRequest(r)
	if err != nil {
		j.closeConn = true
		return
	}
	value, ok := s.kv.get(key)
	if !ok {
		if _, err := j.conn.Write([]byte{wire.NotFoundMarker}); err != nil {
			j.closeConn = true
		}
		return
	}
	if err := wire.EncodeGetValueResponse(j.conn, value); err != nil {
		j.closeConn = true
	}
}

func (s *Server) handleKillSignal(j *job) {
	s.log.Info("kill signal received, shutting down")
	j.closeConn = true
	go s.Shutdown()
}
