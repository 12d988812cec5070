// Package worker implements the worker loop (C6): pull a sparse model
// slice for the indices a minibatch touches, compute a sparse gradient
// against a local materialized copy, and push it back to the parameter
// server, reconnecting and re-reading from scratch on any RPC failure
// (spec §4.4).
package worker

import (
	"bytes"
	"fmt"
	"net"
	"time"

	"github.com/muchq/sparsehash/go/wire"
)

// psClient is a thin synchronous TCP client speaking the parameter
// server's wire protocol. It holds exactly one connection and is not
// safe for concurrent use - a worker owns one client for the lifetime of
// its loop, matching the reference's single outbound connection per
// worker process.
type psClient struct {
	addr        string
	dialTimeout time.Duration
	conn        net.Conn
}

func newPSClient(addr string) *psClient {
	return &psClient{addr: addr, dialTimeout: 5 * time.Second}
}

func (c *psClient) connect() error {
	conn, err := net.DialTimeout("tcp", c.addr, c.dialTimeout)
	if err != nil {
		return fmt.Errorf("dial paramserver %s: %w", c.addr, err)
	}
	c.conn = conn
	return nil
}

func (c *psClient) close() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *psClient) ensureConnected() error {
	if c.conn != nil {
		return nil
	}
	return c.connect()
}

// writeRequest frames a request the way the server's read loop expects:
// opcode || [payload_size] || body, prefixing a size only for the four
// variable-payload opcodes (wire.Opcode.SizePrefixed) a worker ever sends -
// GET_LR_SPARSE_MODEL, SEND_LR_GRADIENT, GET_MF_SPARSE_MODEL,
// SEND_MF_GRADIENT.
func (c *psClient) writeRequest(opcode wire.Opcode, body []byte) error {
	if err := wire.WriteOpcode(c.conn, opcode); err != nil {
		return err
	}
	if opcode.SizePrefixed() {
		if err := wire.WritePayloadSize(c.conn, uint32(len(body))); err != nil {
			return err
		}
	}
	if len(body) == 0 {
		return nil
	}
	_, err := c.conn.Write(body)
	return err
}

// getLRSlice pulls the current weight at each index, in request order.
func (c *psClient) getLRSlice(indices []uint32) ([]float32, error) {
	if err := c.ensureConnected(); err != nil {
		return nil, err
	}
	var body bytes.Buffer
	if err := wire.EncodeLRSliceRequest(&body, indices); err != nil {
		return nil, err
	}
	if err := c.writeRequest(wire.GetLRSparseModel, body.Bytes()); err != nil {
		return nil, err
	}
	return wire.DecodeLRSliceResponse(c.conn, len(indices))
}

// sendLRGradient pushes a sparse LR gradient. SEND_LR_GRADIENT has no
// response body.
func (c *psClient) sendLRGradient(g wire.LRGradient) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}
	var body bytes.Buffer
	if err := wire.EncodeLRGradient(&body, g); err != nil {
		return err
	}
	return c.writeRequest(wire.SendLRGradient, body.Bytes())
}

// getMFSlice pulls minibatch_size consecutive users plus the requested
// items, each carrying a bias and factor vector.
func (c *psClient) getMFSlice(req wire.MFSliceRequest, k int) (users, items []wire.MFEntry, err error) {
	if err := c.ensureConnected(); err != nil {
		return nil, nil, err
	}
	var body bytes.Buffer
	if err := wire.EncodeMFSliceRequest(&body, req); err != nil {
		return nil, nil, err
	}
	if err := c.writeRequest(wire.GetMFSparseModel, body.Bytes()); err != nil {
		return nil, nil, err
	}
	return wire.DecodeMFSliceResponse(c.conn, int(req.MinibatchSize), len(req.ItemIDs), k)
}

// sendMFGradient pushes a sparse MF gradient.
func (c *psClient) sendMFGradient(g wire.MFGradient, k int) error {
	if err := c.ensureConnected(); err != nil {
		return err
	}
	var body bytes.Buffer
	if err := wire.EncodeMFGradient(&body, g, k); err != nil {
		return err
	}
	return c.writeRequest(wire.SendMFGradient, body.Bytes())
}
